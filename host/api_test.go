package host

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clesyde/lyvo/core/access"
	"github.com/clesyde/lyvo/core/client"
)

var apiSecret = []byte("api-test-secret")

func newTestAPI(t *testing.T) (*Hass, client.Client) {
	h := newTestHass(t, newTestRegistry(t))
	h.ConfigEntries.RegisterIntegration(newDemoIntegration())
	router := mux.NewRouter()
	NewAPI(&APIBuilder{Hass: h, Router: router, JwtSecret: apiSecret})
	return h, client.NewWithRouter(router)
}

func TestAPIAuthorization(t *testing.T) {
	_, c := newTestAPI(t)

	status, err := c.RawGet("/api/", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	userToken, err := access.NewToken(apiSecret, "lyvo", "tester", []string{access.RoleUser}, time.Hour)
	require.NoError(t, err)
	var message map[string]string
	status, err = c.WithToken(userToken).RawGet("/api/", &message)
	require.NoError(t, err)
	assert.Equal(t, "API running.", message["message"])

	status, err = c.WithToken(userToken).RawGet("/api/config/config_entries/entry", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	foreign, err := access.NewToken([]byte("other"), "lyvo", "tester", []string{access.RoleAdmin}, 0)
	require.NoError(t, err)
	status, _ = c.WithToken(foreign).RawGet("/api/", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPIStatesAndServices(t *testing.T) {
	h, c := newTestAPI(t)
	c = c.WithRole(access.RoleUser)
	h.States.Set("sensor.test", "42", nil)

	var states []State
	_, err := c.RawGet("/api/states", &states)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "42", states[0].State)

	var state State
	_, err = c.RawGet("/api/states/sensor.test", &state)
	require.NoError(t, err)
	assert.Equal(t, "sensor.test", state.EntityID)

	status, err := c.RawGet("/api/states/sensor.nope", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	var version map[string]string
	_, err = c.RawGet("/api/version", &version)
	require.NoError(t, err)
	assert.Equal(t, Version, version["version"])
	assert.Contains(t, version["server"], "LYVO/")

	status, err = c.RawPost("/api/services/demo/echo", map[string]string{"message": "x"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIConfigFlowAndEntries(t *testing.T) {
	h, c := newTestAPI(t)
	admin := c.WithAdminAuthorization()

	var result FlowResult
	_, err := admin.RawPost("/api/config/config_entries/flow", map[string]string{"handler": demoDomain}, &result)
	require.NoError(t, err)
	assert.Equal(t, FlowResultForm, result.Type)

	status, err := admin.RawPost("/api/config/config_entries/flow/"+result.FlowID, map[string]interface{}{"name": 3}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	var created FlowResult
	_, err = admin.RawPost("/api/config/config_entries/flow/"+result.FlowID, map[string]interface{}{"name": "box"}, &created)
	require.NoError(t, err)
	assert.Equal(t, FlowResultCreateEntry, created.Type)
	require.NotEmpty(t, created.EntryID)

	var entries []ConfigEntry
	_, err = admin.RawGet("/api/config/config_entries/entry?domain="+demoDomain, &entries)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryStateLoaded, entries[0].State)

	var states []State
	_, err = c.WithRole(access.RoleUser).RawPost("/api/services/demo/echo", map[string]string{"message": "hello"}, &states)
	require.NoError(t, err)
	echo, ok := h.States.Get("demo.echo")
	require.True(t, ok)
	assert.Equal(t, "hello", echo.State)

	var options FlowResult
	_, err = admin.RawPost("/api/config/config_entries/options/flow", map[string]string{"handler": created.EntryID}, &options)
	require.NoError(t, err)
	assert.Equal(t, StepInit, options.StepID)
	_, err = admin.RawPost("/api/config/config_entries/options/flow/"+options.FlowID, map[string]string{"name": "o"}, nil)
	require.NoError(t, err)

	_, err = admin.RawPost("/api/config/config_entries/entry/"+created.EntryID+"/reload", nil, nil)
	require.NoError(t, err)

	status, err = admin.RawDelete("/api/config/config_entries/entry/"+created.EntryID+"/devices/demo-device", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = admin.RawDelete("/api/config/config_entries/entry/"+created.EntryID+"/devices/other", nil)
	assert.Equal(t, http.StatusConflict, status)

	_, err = admin.RawDelete("/api/config/config_entries/entry/"+created.EntryID, nil)
	require.NoError(t, err)
	assert.Empty(t, h.ConfigEntries.Entries(demoDomain))

	status, _ = admin.RawPost("/api/config/config_entries/flow/unknown", map[string]string{}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlerAnswersPreflight(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	api := NewAPI(&APIBuilder{Hass: h, Router: mux.NewRouter(), JwtSecret: apiSecret})

	r := httptest.NewRequest(http.MethodOptions, "/api/states", nil)
	r.Header.Set("Origin", "http://lyvo.local")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
