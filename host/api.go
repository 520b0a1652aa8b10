package host

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/clesyde/lyvo/core/access"
	"github.com/clesyde/lyvo/core/logger"
)

// APIBuilder is a builder helper for the REST API
type APIBuilder struct {
	// Hass is the host the API gives access to. Mandatory.
	Hass *Hass
	// Router is the mux router the routes are added to. Mandatory.
	Router *mux.Router
	// JwtSecret verifies bearer tokens. Mandatory.
	JwtSecret []byte
	// JwtIssuer is the expected token issuer. Defaults to "lyvo".
	JwtIssuer string
}

// API is the local REST API of the host
type API struct {
	hass   *Hass
	router *mux.Router
}

// NewAPI adds the REST API routes to the router
//
// Reading states and calling services needs role "user" or "admin", everything
// under /api/config needs "admin". GET /api/authorization returns the
// authorization of the caller.
func NewAPI(bdb *APIBuilder) *API {
	if bdb.Hass == nil {
		panic("Hass missing")
	}
	if bdb.Router == nil {
		panic("Router missing")
	}
	issuer := bdb.JwtIssuer
	if issuer == "" {
		issuer = "lyvo"
	}

	a := &API{hass: bdb.Hass, router: bdb.Router}

	logger.AddRequestID(a.router)
	a.router.Use(access.NewJwtMiddelware(&access.JwtMiddlewareBuilder{
		Secret: bdb.JwtSecret,
		Issuer: issuer,
	}))
	access.HandleAuthorizationRoute(a.router)

	logger.Default().Debugln("host api")
	configRouter := a.router.PathPrefix("/api/config").Subrouter()
	configRouter.Use(access.RequireRoles(access.RoleAdmin))
	a.handleConfigEntries(configRouter)
	a.handleFlows(configRouter)

	apiRouter := a.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(access.RequireRoles(access.RoleAdmin, access.RoleUser))
	a.handleStatus(apiRouter)
	a.handleStates(apiRouter)
	a.handleServices(apiRouter)
	return a
}

// Handler returns the router wrapped for browsers
func (a *API) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Authorization"}),
		handlers.MaxAge(86400),
	)(a.router)
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, ErrServiceNotFound),
		errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrUnknownFlow),
		errors.Is(err, ErrUnknownIntegration):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	}
	logger.FromContext(r.Context()).WithError(err).Debugf("%s %s failed", r.Method, r.URL.Path)
	http.Error(w, err.Error(), status)
}

// readBody decodes an optional JSON object body
func readBody(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{}
	if len(body) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.New("invalid json data: " + err.Error())
	}
	return data, nil
}

func (a *API) handleStatus(router *mux.Router) {
	logger.Default().Debugln("  handle route: /api/ GET")
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "API running."})
	}).Methods(http.MethodGet)

	logger.Default().Debugln("  handle route: /api/version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
			"server":  a.hass.ServerSoftware(),
		})
	}).Methods(http.MethodGet)
}

func (a *API) handleStates(router *mux.Router) {
	logger.Default().Debugln("  handle route: /api/states GET")
	router.Handle("/states", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.hass.States.All())
	}))).Methods(http.MethodGet)

	logger.Default().Debugln("  handle route: /api/states/{entity_id} GET")
	router.HandleFunc("/states/{entity_id}", func(w http.ResponseWriter, r *http.Request) {
		state, ok := a.hass.States.Get(mux.Vars(r)["entity_id"])
		if !ok {
			http.Error(w, "no such entity", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}).Methods(http.MethodGet)
}

func (a *API) handleServices(router *mux.Router) {
	logger.Default().Debugln("  handle route: /api/services GET")
	router.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.hass.Services.List())
	}).Methods(http.MethodGet)

	logger.Default().Debugln("  handle route: /api/services/{domain}/{service} POST")
	router.HandleFunc("/services/{domain}/{service}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		data, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.hass.Services.Call(r.Context(), params["domain"], params["service"], data); err != nil {
			writeError(w, r, err)
			return
		}
		// listeners of the call_service event have run when the states are returned
		if err := a.hass.Loop.Barrier(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, a.hass.States.All())
	}).Methods(http.MethodPost)
}

func (a *API) handleConfigEntries(router *mux.Router) {
	entries := a.hass.ConfigEntries

	logger.Default().Debugln("  handle route: /api/config/config_entries/entry GET")
	router.HandleFunc("/config_entries/entry", func(w http.ResponseWriter, r *http.Request) {
		list := entries.Entries(r.URL.Query().Get("domain"))
		if list == nil {
			list = []*ConfigEntry{}
		}
		writeJSON(w, http.StatusOK, list)
	}).Methods(http.MethodGet)

	logger.Default().Debugln("  handle route: /api/config/config_entries/entry/{entry_id} DELETE")
	router.HandleFunc("/config_entries/entry/{entry_id}", func(w http.ResponseWriter, r *http.Request) {
		if err := entries.Remove(r.Context(), mux.Vars(r)["entry_id"]); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"require_restart": false})
	}).Methods(http.MethodDelete)

	logger.Default().Debugln("  handle route: /api/config/config_entries/entry/{entry_id}/reload POST")
	router.HandleFunc("/config_entries/entry/{entry_id}/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := entries.Reload(r.Context(), mux.Vars(r)["entry_id"]); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"require_restart": false})
	}).Methods(http.MethodPost)

	logger.Default().Debugln("  handle route: /api/config/config_entries/entry/{entry_id}/devices/{device_id} DELETE")
	router.HandleFunc("/config_entries/entry/{entry_id}/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		ok, err := entries.RemoveDevice(r.Context(), params["entry_id"], params["device_id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			http.Error(w, "device removal refused", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

func (a *API) handleFlows(router *mux.Router) {
	flows := a.hass.Flows

	logger.Default().Debugln("  handle route: /api/config/config_entries/flow POST")
	router.HandleFunc("/config_entries/flow", func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Handler string `json:"handler"`
			Source  string `json:"source"`
			EntryID string `json:"entry_id"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &request); err != nil || request.Handler == "" {
			http.Error(w, "handler missing", http.StatusBadRequest)
			return
		}
		result, err := flows.Init(r.Context(), request.Handler, request.Source, request.EntryID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodPost)

	logger.Default().Debugln("  handle route: /api/config/config_entries/flow/{flow_id} POST DELETE")
	router.HandleFunc("/config_entries/flow/{flow_id}", a.configureFlow).Methods(http.MethodPost)
	router.HandleFunc("/config_entries/flow/{flow_id}", a.abortFlow).Methods(http.MethodDelete)

	logger.Default().Debugln("  handle route: /api/config/config_entries/options/flow POST")
	router.HandleFunc("/config_entries/options/flow", func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Handler string `json:"handler"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &request); err != nil || request.Handler == "" {
			http.Error(w, "handler missing", http.StatusBadRequest)
			return
		}
		result, err := flows.InitOptions(r.Context(), request.Handler)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodPost)

	logger.Default().Debugln("  handle route: /api/config/config_entries/options/flow/{flow_id} POST DELETE")
	router.HandleFunc("/config_entries/options/flow/{flow_id}", a.configureFlow).Methods(http.MethodPost)
	router.HandleFunc("/config_entries/options/flow/{flow_id}", a.abortFlow).Methods(http.MethodDelete)
}

func (a *API) configureFlow(w http.ResponseWriter, r *http.Request) {
	input, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := a.hass.Flows.Configure(r.Context(), mux.Vars(r)["flow_id"], input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) abortFlow(w http.ResponseWriter, r *http.Request) {
	if err := a.hass.Flows.Abort(mux.Vars(r)["flow_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
