package lyvo

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/clesyde/lyvo/core/schema"
	"github.com/clesyde/lyvo/host"
)

const schemaBaseURL = "https://lyvo.clesyde.com/schemas/"

// userSchema is the form of the user step. The development provisioning key
// is the suggested value.
var userSchema = schema.MustCompile(`{
	"$id": "` + schemaBaseURL + `config-flow-user.json",
	"type": "object",
	"properties": {
		"unique_id": {
			"type": "string",
			"examples": ["` + DevProvisioningKey + `"]
		}
	},
	"additionalProperties": false
}`)

// uniqueIDSchema returns a form with the single unique_id field defaulted to value
func uniqueIDSchema(name, value string) (*schema.Schema, error) {
	document := map[string]interface{}{
		"$id":  schemaBaseURL + name + ".json",
		"type": "object",
		"properties": map[string]interface{}{
			ConfUniqueID: map[string]interface{}{
				"type":    "string",
				"default": value,
			},
		},
		"additionalProperties": false,
	}
	data, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	return schema.Compile(string(data))
}

// ConfigFlow implements host.Integration
func (i *Integration) ConfigFlow() host.FlowHandler {
	return &configFlow{}
}

// OptionsFlow implements host.OptionsFlowProvider
func (i *Integration) OptionsFlow(entry *host.ConfigEntry) host.FlowHandler {
	options := map[string]interface{}{}
	for k, v := range entry.Options {
		options[k] = v
	}
	return &optionsFlow{entry: entry, options: options}
}

type configFlow struct{}

func (f *configFlow) Step(ctx context.Context, flow *host.Flow, stepID string, input map[string]interface{}) (*host.FlowResult, error) {
	switch stepID {
	case host.SourceUser:
		return f.stepUser(flow, input)
	case host.SourceSystem:
		if len(flow.Hass.ConfigEntries.Entries(Domain)) > 0 {
			return flow.Abort("already_configured"), nil
		}
		return f.stepUser(flow, nil)
	case host.SourceReconfigure:
		return f.stepReconfigure(ctx, flow, input)
	}
	return nil, fmt.Errorf("unknown step %s", stepID)
}

func (f *configFlow) stepUser(flow *host.Flow, input map[string]interface{}) (*host.FlowResult, error) {
	if input == nil {
		return flow.ShowForm(host.SourceUser, userSchema, map[string]string{}), nil
	}
	flow.SetUniqueID(ConfEntryID)
	if res := flow.AbortIfUniqueIDConfigured(); res != nil {
		return res, nil
	}
	return flow.CreateEntry(ConfEntryID, input), nil
}

func (f *configFlow) stepReconfigure(ctx context.Context, flow *host.Flow, input map[string]interface{}) (*host.FlowResult, error) {
	entry, err := flow.Entry()
	if err != nil {
		return nil, err
	}
	if input != nil {
		data := map[string]interface{}{}
		for k, v := range entry.Data {
			data[k] = v
		}
		for k, v := range input {
			data[k] = v
		}
		return flow.UpdateReloadAndAbort(ctx, entry, data, "reconfigure_successful")
	}
	current, _ := entry.Data[ConfUniqueID].(string)
	form, err := uniqueIDSchema("config-flow-reconfigure", current)
	if err != nil {
		return nil, err
	}
	return flow.ShowForm(host.SourceReconfigure, form, map[string]string{}), nil
}

type optionsFlow struct {
	entry   *host.ConfigEntry
	options map[string]interface{}
}

func (f *optionsFlow) Step(ctx context.Context, flow *host.Flow, stepID string, input map[string]interface{}) (*host.FlowResult, error) {
	if stepID != host.StepInit {
		return nil, fmt.Errorf("unknown step %s", stepID)
	}
	if input != nil {
		options := map[string]interface{}{}
		for k, v := range f.entry.Options {
			options[k] = v
		}
		for k, v := range input {
			options[k] = v
		}
		return flow.CreateEntry("", options), nil
	}
	current, ok := f.options[ConfUniqueID].(string)
	if !ok {
		current = DevProvisioningKey
	}
	form, err := uniqueIDSchema("options-flow-init", current)
	if err != nil {
		return nil, err
	}
	return flow.ShowForm(host.StepInit, form, nil), nil
}
