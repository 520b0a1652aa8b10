package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFlowCreatesEntry(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	h.ConfigEntries.RegisterIntegration(newDemoIntegration())
	ctx := context.Background()

	result, err := h.Flows.Init(ctx, demoDomain, SourceUser, "")
	require.NoError(t, err)
	assert.Equal(t, FlowResultForm, result.Type)
	assert.Equal(t, SourceUser, result.StepID)
	assert.Same(t, demoSchema, result.DataSchema)
	assert.Len(t, h.Flows.Progress(FlowKindConfig), 1)

	_, err = h.Flows.Configure(ctx, result.FlowID, map[string]interface{}{"unknown": 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	created, err := h.Flows.Configure(ctx, result.FlowID, map[string]interface{}{"name": "box"})
	require.NoError(t, err)
	assert.Equal(t, FlowResultCreateEntry, created.Type)
	assert.Equal(t, "Demo", created.Title)
	assert.Empty(t, h.Flows.Progress(FlowKindConfig))

	entry, ok := h.ConfigEntries.Get(created.EntryID)
	require.True(t, ok)
	assert.Equal(t, "demo-unique", entry.UniqueID)
	assert.Equal(t, "box", entry.Data["name"])
	assert.Equal(t, SourceUser, entry.Source)
	assert.Equal(t, EntryStateLoaded, entry.State)

	_, err = h.Flows.Configure(ctx, result.FlowID, nil)
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestSystemFlowReplacesPending(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	h.ConfigEntries.RegisterIntegration(newDemoIntegration())
	ctx := context.Background()

	user, err := h.Flows.Init(ctx, demoDomain, SourceUser, "")
	require.NoError(t, err)
	first, err := h.Flows.Init(ctx, demoDomain, SourceSystem, "")
	require.NoError(t, err)
	second, err := h.Flows.Init(ctx, demoDomain, SourceSystem, "")
	require.NoError(t, err)
	assert.Equal(t, FlowResultForm, second.Type)

	flows := h.Flows.Progress(FlowKindConfig)
	require.Len(t, flows, 2)
	ids := []string{flows[0].ID, flows[1].ID}
	assert.ElementsMatch(t, []string{user.FlowID, second.FlowID}, ids)

	_, err = h.Flows.Configure(ctx, first.FlowID, map[string]interface{}{"name": "box"})
	assert.ErrorIs(t, err, ErrUnknownFlow)
	created, err := h.Flows.Configure(ctx, second.FlowID, map[string]interface{}{"name": "box"})
	require.NoError(t, err)
	assert.Equal(t, FlowResultCreateEntry, created.Type)
}

func TestConfigFlowAbortsWhenConfigured(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	h.ConfigEntries.RegisterIntegration(newDemoIntegration())
	ctx := context.Background()
	require.NoError(t, h.ConfigEntries.Add(ctx, &ConfigEntry{Domain: demoDomain, Title: "Demo", UniqueID: "demo-unique"}))

	result, err := h.Flows.Init(ctx, demoDomain, SourceSystem, "")
	require.NoError(t, err)
	result, err = h.Flows.Configure(ctx, result.FlowID, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, FlowResultAbort, result.Type)
	assert.Equal(t, "already_configured", result.Reason)
	assert.Len(t, h.ConfigEntries.Entries(demoDomain), 1)
}

func TestReconfigureFlow(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	demo := newDemoIntegration()
	h.ConfigEntries.RegisterIntegration(demo)
	ctx := context.Background()
	entry := &ConfigEntry{Domain: demoDomain, Title: "Demo", UniqueID: "demo-unique", Data: map[string]interface{}{"name": "old", "keep": true}}
	require.NoError(t, h.ConfigEntries.Add(ctx, entry))

	result, err := h.Flows.Init(ctx, demoDomain, SourceReconfigure, entry.EntryID)
	require.NoError(t, err)
	result, err = h.Flows.Configure(ctx, result.FlowID, map[string]interface{}{"name": "new"})
	require.NoError(t, err)
	assert.Equal(t, FlowResultAbort, result.Type)
	assert.Equal(t, "reconfigure_successful", result.Reason)

	entry, _ = h.ConfigEntries.Get(entry.EntryID)
	assert.Equal(t, map[string]interface{}{"name": "new", "keep": true}, entry.Data)
	assert.Equal(t, "demo-unique", entry.UniqueID)
	setups, unloads := demo.counts()
	assert.Equal(t, 2, setups)
	assert.Equal(t, 1, unloads)

	_, err = h.Flows.Init(ctx, demoDomain, SourceReconfigure, "missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestOptionsFlow(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	h.ConfigEntries.RegisterIntegration(newDemoIntegration())
	ctx := context.Background()
	entry := &ConfigEntry{Domain: demoDomain, Title: "Demo"}
	require.NoError(t, h.ConfigEntries.Add(ctx, entry))

	result, err := h.Flows.InitOptions(ctx, entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StepInit, result.StepID)
	assert.Len(t, h.Flows.Progress(FlowKindOptions), 1)

	result, err = h.Flows.Configure(ctx, result.FlowID, map[string]interface{}{"name": "opt"})
	require.NoError(t, err)
	assert.Equal(t, FlowResultCreateEntry, result.Type)
	assert.Equal(t, entry.EntryID, result.EntryID)
	entry, _ = h.ConfigEntries.Get(entry.EntryID)
	assert.Equal(t, "opt", entry.Options["name"])
}

func TestFlowUnknownIntegration(t *testing.T) {
	h := newTestHass(t, newTestRegistry(t))
	_, err := h.Flows.Init(context.Background(), "nope", SourceUser, "")
	assert.ErrorIs(t, err, ErrUnknownIntegration)
	assert.ErrorIs(t, h.Flows.Abort("nope"), ErrUnknownFlow)
}
