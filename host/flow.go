package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/schema"
)

// ErrUnknownFlow is returned for flow ids which are not in progress
var ErrUnknownFlow = errors.New("unknown flow")

// ErrInvalidInput is returned when step input does not match the step schema
var ErrInvalidInput = errors.New("invalid flow input")

// FlowResultType is the type of a flow step result
type FlowResultType string

// Flow result types
const (
	FlowResultForm        FlowResultType = "form"
	FlowResultCreateEntry FlowResultType = "create_entry"
	FlowResultAbort       FlowResultType = "abort"
)

// FlowKind distinguishes config flows from options flows
type FlowKind string

// Flow kinds
const (
	FlowKindConfig  FlowKind = "config"
	FlowKindOptions FlowKind = "options"
)

// StepInit is the first step of every options flow
const StepInit = "init"

// FlowResult is the result of one flow step
type FlowResult struct {
	Type       FlowResultType         `json:"type"`
	FlowID     string                 `json:"flow_id"`
	Handler    string                 `json:"handler"`
	StepID     string                 `json:"step_id,omitempty"`
	DataSchema *schema.Schema         `json:"data_schema,omitempty"`
	Errors     map[string]string      `json:"errors,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	EntryID    string                 `json:"entry_id,omitempty"`
}

// FlowContext is the context a flow was started with
type FlowContext struct {
	Source   string `json:"source"`
	EntryID  string `json:"entry_id,omitempty"`
	UniqueID string `json:"unique_id,omitempty"`
}

// FlowHandler implements the steps of a flow. input is nil when a step is
// entered for the first time.
type FlowHandler interface {
	Step(ctx context.Context, flow *Flow, stepID string, input map[string]interface{}) (*FlowResult, error)
}

// Flow is one config or options flow in progress
type Flow struct {
	ID      string
	Domain  string
	Kind    FlowKind
	Context FlowContext
	Hass    *Hass

	handler FlowHandler
	step    string
	schema  *schema.Schema
}

// SetUniqueID sets the unique id of the entry the flow will create
func (f *Flow) SetUniqueID(uniqueID string) {
	f.Context.UniqueID = uniqueID
}

// AbortIfUniqueIDConfigured returns an abort result if an entry of the domain
// with the flow's unique id exists already, nil otherwise.
func (f *Flow) AbortIfUniqueIDConfigured() *FlowResult {
	if f.Context.UniqueID == "" {
		return nil
	}
	for _, entry := range f.Hass.ConfigEntries.Entries(f.Domain) {
		if entry.UniqueID == f.Context.UniqueID {
			return f.Abort("already_configured")
		}
	}
	return nil
}

// Entry returns the entry the flow is about, for reconfigure and options flows
func (f *Flow) Entry() (*ConfigEntry, error) {
	entry, ok := f.Hass.ConfigEntries.Get(f.Context.EntryID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", f.Context.EntryID, ErrEntryNotFound)
	}
	return entry, nil
}

// ShowForm asks the client for input matching dataSchema
func (f *Flow) ShowForm(stepID string, dataSchema *schema.Schema, errs map[string]string) *FlowResult {
	return &FlowResult{
		Type:       FlowResultForm,
		FlowID:     f.ID,
		Handler:    f.Domain,
		StepID:     stepID,
		DataSchema: dataSchema,
		Errors:     errs,
	}
}

// CreateEntry finishes the flow. A config flow creates a new entry, an options
// flow replaces the options of its entry with data.
func (f *Flow) CreateEntry(title string, data map[string]interface{}) *FlowResult {
	return &FlowResult{
		Type:    FlowResultCreateEntry,
		FlowID:  f.ID,
		Handler: f.Domain,
		Title:   title,
		Data:    data,
	}
}

// Abort finishes the flow without result
func (f *Flow) Abort(reason string) *FlowResult {
	return &FlowResult{
		Type:    FlowResultAbort,
		FlowID:  f.ID,
		Handler: f.Domain,
		Reason:  reason,
	}
}

// UpdateReloadAndAbort updates entry with data, reloads it and aborts the flow with reason
func (f *Flow) UpdateReloadAndAbort(ctx context.Context, entry *ConfigEntry, data map[string]interface{}, reason string) (*FlowResult, error) {
	uniqueID := entry.UniqueID
	if _, err := f.Hass.ConfigEntries.Update(entry.EntryID, EntryUpdate{UniqueID: &uniqueID, Data: data}); err != nil {
		return nil, err
	}
	if err := f.Hass.ConfigEntries.Reload(ctx, entry.EntryID); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("reload of entry %s failed", entry.EntryID)
	}
	return f.Abort(reason), nil
}

// Flows manages config and options flows in progress
type Flows struct {
	hass  *Hass
	mu    sync.Mutex
	flows map[string]*Flow
}

func newFlows(h *Hass) *Flows {
	return &Flows{hass: h, flows: make(map[string]*Flow)}
}

// Init starts a config flow for domain. The first step is the source.
// entryID is only needed for the reconfigure source.
func (fm *Flows) Init(ctx context.Context, domain, source, entryID string) (*FlowResult, error) {
	integration, ok := fm.hass.ConfigEntries.Integration(domain)
	if !ok {
		return nil, fmt.Errorf("%s: %w", domain, ErrUnknownIntegration)
	}
	if source == "" {
		source = SourceUser
	}
	flow := &Flow{
		ID:      uuid.New().String(),
		Domain:  domain,
		Kind:    FlowKindConfig,
		Context: FlowContext{Source: source, EntryID: entryID},
		Hass:    fm.hass,
		handler: integration.ConfigFlow(),
	}
	if source == SourceReconfigure {
		if _, err := flow.Entry(); err != nil {
			return nil, err
		}
	}
	if source == SourceSystem {
		// a new system flow replaces the one still waiting for input
		fm.abortSource(ctx, domain, SourceSystem)
	}
	return fm.run(ctx, flow, source, nil)
}

func (fm *Flows) abortSource(ctx context.Context, domain, source string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for id, flow := range fm.flows {
		if flow.Kind == FlowKindConfig && flow.Domain == domain && flow.Context.Source == source {
			logger.FromContext(ctx).Debugf("replacing %s %s flow %s", domain, source, id)
			delete(fm.flows, id)
		}
	}
}

// InitOptions starts an options flow for the entry
func (fm *Flows) InitOptions(ctx context.Context, entryID string) (*FlowResult, error) {
	entry, ok := fm.hass.ConfigEntries.Get(entryID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", entryID, ErrEntryNotFound)
	}
	integration, ok := fm.hass.ConfigEntries.Integration(entry.Domain)
	if !ok {
		return nil, fmt.Errorf("%s: %w", entry.Domain, ErrUnknownIntegration)
	}
	provider, ok := integration.(OptionsFlowProvider)
	if !ok {
		return nil, fmt.Errorf("%s has no options flow: %w", entry.Domain, ErrUnknownFlow)
	}
	flow := &Flow{
		ID:      uuid.New().String(),
		Domain:  entry.Domain,
		Kind:    FlowKindOptions,
		Context: FlowContext{Source: SourceUser, EntryID: entryID},
		Hass:    fm.hass,
		handler: provider.OptionsFlow(entry),
	}
	return fm.run(ctx, flow, StepInit, nil)
}

// Configure continues a flow with input for the step of its current form
func (fm *Flows) Configure(ctx context.Context, flowID string, input map[string]interface{}) (*FlowResult, error) {
	fm.mu.Lock()
	flow, ok := fm.flows[flowID]
	fm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", flowID, ErrUnknownFlow)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	if flow.schema != nil {
		if err := flow.schema.Validate(input); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return fm.run(ctx, flow, flow.step, input)
}

// Progress returns the flows in progress of the given kind
func (fm *Flows) Progress(kind FlowKind) []*Flow {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var flows []*Flow
	for _, flow := range fm.flows {
		if flow.Kind == kind {
			flows = append(flows, flow)
		}
	}
	return flows
}

// Abort removes a flow in progress
func (fm *Flows) Abort(flowID string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if _, ok := fm.flows[flowID]; !ok {
		return fmt.Errorf("%s: %w", flowID, ErrUnknownFlow)
	}
	delete(fm.flows, flowID)
	return nil
}

func (fm *Flows) run(ctx context.Context, flow *Flow, stepID string, input map[string]interface{}) (*FlowResult, error) {
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, "flow:"+flow.ID)
	result, err := flow.handler.Step(ctx, flow, stepID, input)
	if err != nil {
		fm.finish(flow)
		return nil, fmt.Errorf("step %s of %s flow: %w", stepID, flow.Domain, err)
	}

	switch result.Type {
	case FlowResultForm:
		flow.step = result.StepID
		flow.schema = result.DataSchema
		fm.mu.Lock()
		fm.flows[flow.ID] = flow
		fm.mu.Unlock()
		return result, nil
	case FlowResultAbort:
		rlog.Debugf("%s flow aborted: %s", flow.Domain, result.Reason)
		fm.finish(flow)
		return result, nil
	case FlowResultCreateEntry:
		fm.finish(flow)
		return result, fm.createEntry(ctx, flow, result)
	}
	fm.finish(flow)
	return nil, fmt.Errorf("step %s of %s flow returned unknown result %q", stepID, flow.Domain, result.Type)
}

func (fm *Flows) finish(flow *Flow) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	delete(fm.flows, flow.ID)
}

func (fm *Flows) createEntry(ctx context.Context, flow *Flow, result *FlowResult) error {
	if flow.Kind == FlowKindOptions {
		_, err := fm.hass.ConfigEntries.Update(flow.Context.EntryID, EntryUpdate{Options: result.Data})
		result.EntryID = flow.Context.EntryID
		return err
	}
	entry := &ConfigEntry{
		Domain:   flow.Domain,
		Title:    result.Title,
		UniqueID: flow.Context.UniqueID,
		Data:     result.Data,
		Source:   flow.Context.Source,
	}
	err := fm.hass.ConfigEntries.Add(ctx, entry)
	result.EntryID = entry.EntryID
	if err != nil {
		// the entry exists, it just failed to set up
		logger.FromContext(ctx).WithError(err).Errorf("created entry %s did not set up", entry.EntryID)
	}
	return nil
}
