package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/registry"
)

// ErrEntryNotFound is returned for unknown config entry ids
var ErrEntryNotFound = errors.New("config entry not found")

// ErrUnknownIntegration is returned when no integration is registered for a domain
var ErrUnknownIntegration = errors.New("unknown integration")

// EntryState is the lifecycle state of a config entry
type EntryState string

// Config entry states
const (
	EntryStateNotLoaded  EntryState = "not_loaded"
	EntryStateLoaded     EntryState = "loaded"
	EntryStateSetupError EntryState = "setup_error"
)

// Flow sources
const (
	SourceUser        = "user"
	SourceSystem      = "system"
	SourceReconfigure = "reconfigure"
)

// ConfigEntry is a configured instance of an integration
type ConfigEntry struct {
	EntryID    string                 `json:"entry_id"`
	Domain     string                 `json:"domain"`
	Title      string                 `json:"title"`
	UniqueID   string                 `json:"unique_id,omitempty"`
	Data       map[string]interface{} `json:"data"`
	Options    map[string]interface{} `json:"options"`
	Source     string                 `json:"source"`
	Version    int                    `json:"version"`
	State      EntryState             `json:"state"`
	Reason     string                 `json:"reason,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ModifiedAt time.Time              `json:"modified_at"`
}

// snapshot returns a copy of e that callers may read without the lock
func (e *ConfigEntry) snapshot() *ConfigEntry {
	entry := *e
	entry.Data = copyMap(e.Data)
	entry.Options = copyMap(e.Options)
	return &entry
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Integration is implemented by everything which can be set up from a config entry
type Integration interface {
	Domain() string
	SetupEntry(ctx context.Context, h *Hass, entry *ConfigEntry) error
	UnloadEntry(ctx context.Context, h *Hass, entry *ConfigEntry) (bool, error)
	// ConfigFlow returns a new handler for one config flow
	ConfigFlow() FlowHandler
}

// DeviceEntry is a device of a config entry
type DeviceEntry struct {
	ID   string     `json:"id"`
	Info DeviceInfo `json:"info"`
}

// DeviceRemover is implemented by integrations which allow removing devices
type DeviceRemover interface {
	RemoveConfigEntryDevice(ctx context.Context, h *Hass, entry *ConfigEntry, device DeviceEntry) (bool, error)
}

// OptionsFlowProvider is implemented by integrations with an options flow
type OptionsFlowProvider interface {
	OptionsFlow(entry *ConfigEntry) FlowHandler
}

// EntryUpdate describes an update of a config entry. Nil fields are left unchanged.
type EntryUpdate struct {
	Title    *string
	UniqueID *string
	Data     map[string]interface{}
	Options  map[string]interface{}
}

// ConfigEntries manages config entries and their integrations
type ConfigEntries struct {
	hass  *Hass
	store registry.Accessor

	mu           sync.Mutex
	entries      map[string]*ConfigEntry
	integrations map[string]Integration
	platforms    map[string][]Platform
}

func newConfigEntries(h *Hass, store registry.Accessor) *ConfigEntries {
	return &ConfigEntries{
		hass:         h,
		store:        store,
		entries:      make(map[string]*ConfigEntry),
		integrations: make(map[string]Integration),
		platforms:    make(map[string][]Platform),
	}
}

// RegisterIntegration makes an integration known to the host
func (c *ConfigEntries) RegisterIntegration(integration Integration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrations[integration.Domain()] = integration
}

// Integration returns the integration for domain
func (c *ConfigEntries) Integration(domain string) (Integration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.integrations[domain]
	return i, ok
}

// Load reads all persisted entries. Loaded entries are in state not_loaded.
func (c *ConfigEntries) Load() error {
	keys, err := c.store.Keys()
	if err != nil {
		return fmt.Errorf("cannot list config entries: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		entry := &ConfigEntry{}
		if _, err := c.store.Read(key, entry); err != nil {
			return err
		}
		entry.State = EntryStateNotLoaded
		entry.Reason = ""
		c.entries[entry.EntryID] = entry
	}
	return nil
}

// SetupAll sets up all entries which are not loaded. Failures are logged.
func (c *ConfigEntries) SetupAll(ctx context.Context) {
	for _, entry := range c.Entries("") {
		if entry.State == EntryStateLoaded {
			continue
		}
		if err := c.Setup(ctx, entry.EntryID); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("setup of %s entry %s failed", entry.Domain, entry.EntryID)
		}
	}
}

// Add stores a copy of a new entry and sets it up. The entry id is generated
// if empty, entry receives it together with the state after setup. A setup
// error is returned, but the entry stays stored in state setup_error.
func (c *ConfigEntries) Add(ctx context.Context, entry *ConfigEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.Data == nil {
		entry.Data = map[string]interface{}{}
	}
	if entry.Options == nil {
		entry.Options = map[string]interface{}{}
	}
	if entry.Version == 0 {
		entry.Version = 1
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ModifiedAt = now
	entry.State = EntryStateNotLoaded

	c.mu.Lock()
	if _, exists := c.entries[entry.EntryID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("config entry %s already exists", entry.EntryID)
	}
	stored := entry.snapshot()
	c.entries[entry.EntryID] = stored
	err := c.store.Write(stored.EntryID, stored)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("added %s config entry %s", entry.Domain, entry.EntryID)
	err = c.Setup(ctx, entry.EntryID)
	if current, ok := c.Get(entry.EntryID); ok {
		entry.State = current.State
		entry.Reason = current.Reason
	}
	return err
}

// Get returns a copy of the entry with entryID
func (c *ConfigEntries) Get(entryID string) (*ConfigEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[entryID]
	if !ok {
		return nil, false
	}
	return entry.snapshot(), true
}

// Entries returns copies of the entries of domain, or of all entries if
// domain is empty, oldest first
func (c *ConfigEntries) Entries(domain string) []*ConfigEntry {
	c.mu.Lock()
	var entries []*ConfigEntry
	for _, entry := range c.entries {
		if domain == "" || entry.Domain == domain {
			entries = append(entries, entry.snapshot())
		}
	}
	c.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].EntryID < entries[j].EntryID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// Update updates and persists an entry. It returns a copy of the updated entry.
func (c *ConfigEntries) Update(entryID string, update EntryUpdate) (*ConfigEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", entryID, ErrEntryNotFound)
	}
	if update.Title != nil {
		entry.Title = *update.Title
	}
	if update.UniqueID != nil {
		entry.UniqueID = *update.UniqueID
	}
	if update.Data != nil {
		entry.Data = copyMap(update.Data)
	}
	if update.Options != nil {
		entry.Options = copyMap(update.Options)
	}
	entry.ModifiedAt = time.Now().UTC()
	return entry.snapshot(), c.store.Write(entry.EntryID, entry)
}

func (c *ConfigEntries) setState(entryID string, state EntryState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[entryID]; ok {
		entry.State = state
		entry.Reason = reason
	}
}

func (c *ConfigEntries) lookup(entryID string) (*ConfigEntry, Integration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[entryID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", entryID, ErrEntryNotFound)
	}
	integration, ok := c.integrations[entry.Domain]
	if !ok {
		return entry.snapshot(), nil, fmt.Errorf("%s: %w", entry.Domain, ErrUnknownIntegration)
	}
	return entry.snapshot(), integration, nil
}

// Setup sets up an entry through its integration. Setting up a loaded entry does nothing.
func (c *ConfigEntries) Setup(ctx context.Context, entryID string) error {
	entry, integration, err := c.lookup(entryID)
	if err != nil {
		if entry != nil {
			c.setState(entry.EntryID, EntryStateSetupError, err.Error())
		}
		return err
	}
	if entry.State == EntryStateLoaded {
		return nil
	}
	rlog := logger.FromContext(ctx).WithField("entry", entry.EntryID)
	if err := integration.SetupEntry(ctx, c.hass, entry); err != nil {
		c.setState(entry.EntryID, EntryStateSetupError, err.Error())
		rlog.WithError(err).Errorf("setup of %s failed", entry.Domain)
		return fmt.Errorf("setup of %s entry %s: %w", entry.Domain, entry.EntryID, err)
	}
	c.setState(entry.EntryID, EntryStateLoaded, "")
	rlog.Infof("set up %s", entry.Domain)
	return nil
}

// Unload unloads an entry through its integration. It returns false if the
// integration refused to unload.
func (c *ConfigEntries) Unload(ctx context.Context, entryID string) (bool, error) {
	entry, integration, err := c.lookup(entryID)
	if err != nil {
		return false, err
	}
	if entry.State != EntryStateLoaded {
		c.setState(entry.EntryID, EntryStateNotLoaded, "")
		return true, nil
	}
	ok, err := integration.UnloadEntry(ctx, c.hass, entry)
	if err != nil {
		return false, fmt.Errorf("unload of %s entry %s: %w", entry.Domain, entry.EntryID, err)
	}
	if ok {
		c.setState(entry.EntryID, EntryStateNotLoaded, "")
		logger.FromContext(ctx).WithField("entry", entry.EntryID).Infof("unloaded %s", entry.Domain)
	}
	return ok, nil
}

// Reload unloads and sets up an entry again
func (c *ConfigEntries) Reload(ctx context.Context, entryID string) error {
	ok, err := c.Unload(ctx, entryID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s could not be unloaded", entryID)
	}
	return c.Setup(ctx, entryID)
}

// Remove unloads an entry and deletes it
func (c *ConfigEntries) Remove(ctx context.Context, entryID string) error {
	if _, err := c.Unload(ctx, entryID); err != nil && !errors.Is(err, ErrUnknownIntegration) {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[entryID]; !ok {
		return fmt.Errorf("%s: %w", entryID, ErrEntryNotFound)
	}
	delete(c.entries, entryID)
	return c.store.Delete(entryID)
}

// RemoveDevice asks the integration whether the device may be removed from
// the entry. Integrations without a DeviceRemover never allow it.
func (c *ConfigEntries) RemoveDevice(ctx context.Context, entryID, deviceID string) (bool, error) {
	entry, integration, err := c.lookup(entryID)
	if err != nil {
		return false, err
	}
	remover, ok := integration.(DeviceRemover)
	if !ok {
		return false, nil
	}
	device := DeviceEntry{ID: deviceID}
	if info, ok := c.hass.Entities.Devices(entryID)[deviceID]; ok {
		device.Info = info
	}
	return remover.RemoveConfigEntryDevice(ctx, c.hass, entry, device)
}

// ForwardEntrySetups sets up the given entity platforms for entry
func (c *ConfigEntries) ForwardEntrySetups(ctx context.Context, entry *ConfigEntry, platforms ...Platform) error {
	_, integration, err := c.lookup(entry.EntryID)
	if err != nil {
		return err
	}
	provider, ok := integration.(PlatformProvider)
	if !ok {
		return fmt.Errorf("%s does not provide entity platforms", entry.Domain)
	}
	for _, platform := range platforms {
		setup, ok := provider.PlatformSetup(platform)
		if !ok {
			return fmt.Errorf("%s does not provide platform %s", entry.Domain, platform)
		}
		platform := platform
		add := func(entities ...Entity) {
			c.hass.Entities.Add(entry.EntryID, platform, entities...)
		}
		if err := setup(ctx, c.hass, entry, add); err != nil {
			return fmt.Errorf("setup of platform %s for %s: %w", platform, entry.Domain, err)
		}
		c.mu.Lock()
		c.platforms[entry.EntryID] = append(c.platforms[entry.EntryID], platform)
		c.mu.Unlock()
	}
	return nil
}

// UnloadPlatforms removes the entities of the given platforms from entry
func (c *ConfigEntries) UnloadPlatforms(ctx context.Context, entry *ConfigEntry, platforms ...Platform) (bool, error) {
	for _, platform := range platforms {
		c.hass.Entities.Remove(entry.EntryID, platform)
	}
	c.mu.Lock()
	var remaining []Platform
	for _, loaded := range c.platforms[entry.EntryID] {
		unloaded := false
		for _, platform := range platforms {
			if loaded == platform {
				unloaded = true
			}
		}
		if !unloaded {
			remaining = append(remaining, loaded)
		}
	}
	if len(remaining) == 0 {
		delete(c.platforms, entry.EntryID)
	} else {
		c.platforms[entry.EntryID] = remaining
	}
	c.mu.Unlock()
	return true, nil
}

// LoadedPlatforms returns the platforms entry was forwarded to
func (c *ConfigEntries) LoadedPlatforms(entryID string) []Platform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Platform(nil), c.platforms[entryID]...)
}
