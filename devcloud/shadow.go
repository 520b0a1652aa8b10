package devcloud

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/registry"
)

// ErrInvalidDocument is returned for shadow documents that are not JSON objects
var ErrInvalidDocument = errors.New("shadow document must be a JSON object")

// MessagePublisher is an interface to publish MQTT messages
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// ShadowState holds the desired and the reported side of a shadow
type ShadowState struct {
	Desired  json.RawMessage `json:"desired,omitempty"`
	Reported json.RawMessage `json:"reported,omitempty"`
}

// Shadow is a named shadow document of a device
type Shadow struct {
	State      ShadowState `json:"state"`
	Version    int64       `json:"version"`
	Timestamp  int64       `json:"timestamp"`
	DesiredAt  time.Time   `json:"desired_at,omitempty"`
	ReportedAt time.Time   `json:"reported_at,omitempty"`
}

// Shadows stores named shadows, keyed by device serial and name
type Shadows struct {
	store registry.Accessor
	mu    sync.Mutex
}

// NewShadows returns a shadow store on the registry
func NewShadows(reg registry.Registry) *Shadows {
	return &Shadows{store: reg.Accessor("shadows")}
}

func shadowKey(sn, name string) string {
	return sn + "/" + name
}

// Get returns the shadow. A missing shadow is empty at version 0.
func (s *Shadows) Get(sn, name string) (Shadow, error) {
	var shadow Shadow
	_, err := s.store.Read(shadowKey(sn, name), &shadow)
	return shadow, err
}

// Desire stores the desired side of the shadow and returns the new shadow
func (s *Shadows) Desire(sn, name string, desired json.RawMessage) (Shadow, error) {
	return s.update(sn, name, func(shadow *Shadow, now time.Time) {
		shadow.State.Desired = desired
		shadow.DesiredAt = now
	}, desired)
}

// Report stores the reported side of the shadow and returns the new shadow
func (s *Shadows) Report(sn, name string, reported json.RawMessage) (Shadow, error) {
	return s.update(sn, name, func(shadow *Shadow, now time.Time) {
		shadow.State.Reported = reported
		shadow.ReportedAt = now
	}, reported)
}

func (s *Shadows) update(sn, name string, apply func(*Shadow, time.Time), document json.RawMessage) (Shadow, error) {
	if !isObject(document) {
		return Shadow{}, ErrInvalidDocument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	shadow, err := s.Get(sn, name)
	if err != nil {
		return shadow, err
	}
	now := time.Now().UTC()
	apply(&shadow, now)
	shadow.Version++
	shadow.Timestamp = now.Unix()
	return shadow, s.store.Write(shadowKey(sn, name), &shadow)
}

func isObject(document json.RawMessage) bool {
	var v map[string]interface{}
	return json.Unmarshal(document, &v) == nil && v != nil
}

// deltaMessage is published on update/delta when the desired side changes
type deltaMessage struct {
	State     json.RawMessage `json:"state"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

// updateMessage is what devices publish on update
type updateMessage struct {
	State ShadowState `json:"state"`
}

// ShadowAPI is the RESTful interface to named shadows
type ShadowAPI struct {
	shadows   *Shadows
	publisher MessagePublisher
}

// ShadowBuilder is a builder helper for the ShadowAPI
type ShadowBuilder struct {
	// Shadows is the shadow store. This is mandatory.
	Shadows *Shadows
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Publisher sends update/delta messages to devices. Optional.
	Publisher MessagePublisher
}

// NewShadowAPI adds the shadow routes to the router
func NewShadowAPI(b *ShadowBuilder) *ShadowAPI {
	if b.Shadows == nil {
		panic("Shadows is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &ShadowAPI{shadows: b.Shadows, publisher: b.Publisher}
	a.handleRoutes(b.Router)
	return a
}

func (a *ShadowAPI) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("shadow")
	logger.Default().Debugln("  handle route: /things/{sn}/shadows/{name} GET")
	logger.Default().Debugln("  handle route: /things/{sn}/shadows/{name}/desired PUT")

	router.HandleFunc("/things/{sn}/shadows/{name}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		shadow, err := a.shadows.Get(params["sn"], params["name"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if shadow.Version == 0 {
			http.Error(w, "no such shadow", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		jsonData, _ := json.MarshalIndent(shadow, "", " ")
		w.Write(jsonData)
	}).Methods(http.MethodGet)

	router.HandleFunc("/things/{sn}/shadows/{name}/desired", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		sn, name := params["sn"], params["name"]
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		shadow, err := a.shadows.Desire(sn, name, body)
		if errors.Is(err, ErrInvalidDocument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if a.publisher != nil {
			delta, _ := json.Marshal(deltaMessage{State: shadow.State.Desired, Version: shadow.Version, Timestamp: shadow.Timestamp})
			a.publisher.PublishMessageQ1(cloud.NewIoTMessage(sn).ShadowTopic(name, cloud.ShadowUpdateDelta), delta)
		}
		w.Header().Set("Content-Type", "application/json")
		jsonData, _ := json.MarshalIndent(shadow, "", " ")
		w.Write(jsonData)
	}).Methods(http.MethodPut)
}
