package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"livebus/internal/domain"
)

// Event names accepted on the socket.
const (
	EventSubscribe      = "subscribe"
	EventUpdatePresence = "update_presence"
	// EventUpdatePresenceAlt is the dashed spelling some clients send.
	EventUpdatePresenceAlt = "update-presence"
)

const envelopeSchema = `{
	"type": "object",
	"required": ["event_name"],
	"properties": {
		"event_name": {"enum": ["subscribe", "update_presence", "update-presence"]}
	},
	"allOf": [
		{
			"if": {"properties": {"event_name": {"const": "subscribe"}}},
			"then": {
				"required": ["data"],
				"properties": {"data": {
					"type": "object",
					"required": ["channels"],
					"properties": {
						"channels": {"type": "array", "items": {"type": "string"}},
						"last": {"type": "integer"}
					}
				}}
			}
		},
		{
			"if": {"properties": {"event_name": {"enum": ["update_presence", "update-presence"]}}},
			"then": {
				"properties": {"data": {
					"type": "object",
					"properties": {"inactivity_period": {"type": "integer", "minimum": 0}}
				}}
			}
		}
	]
}`

const peekSchema = `{
	"type": "object",
	"required": ["channels"],
	"properties": {
		"channels": {"type": "array", "items": {"type": "string"}},
		"last": {"type": "integer"},
		"is_first_poll": {"type": "boolean"}
	}
}`

const notifySchema = `{
	"type": "object",
	"required": ["notifications"],
	"properties": {
		"notifications": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["tenant", "channel", "type"],
				"properties": {
					"tenant": {"type": "string", "minLength": 1},
					"channel": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"payload": {}
				}
			}
		}
	}
}`

type event struct {
	Name string          `json:"event_name"`
	Data json.RawMessage `json:"data"`
}

type subscribeData struct {
	Channels []string `json:"channels"`
	Last     int64    `json:"last"`
}

type presenceData struct {
	// InactivityPeriod is the client-side idle time in milliseconds.
	InactivityPeriod int64 `json:"inactivity_period"`
}

// maxInactivityMS is the largest period that still fits a time.Duration.
const maxInactivityMS = math.MaxInt64 / int64(time.Millisecond)

// inactivity converts the reported idle time, saturating instead of
// overflowing into a negative duration.
func (d presenceData) inactivity() time.Duration {
	return time.Duration(min(d.InactivityPeriod, maxInactivityMS)) * time.Millisecond
}

type peekRequest struct {
	Channels    []string `json:"channels"`
	Last        int64    `json:"last"`
	IsFirstPoll bool     `json:"is_first_poll"`
}

type notifyRequest struct {
	Notifications []struct {
		Tenant  string          `json:"tenant"`
		Channel string          `json:"channel"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"notifications"`
}

// validator holds the compiled request schemas.
type validator struct {
	envelope *jsonschema.Schema
	peek     *jsonschema.Schema
	notify   *jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"envelope.json": envelopeSchema,
		"peek.json":     peekSchema,
		"notify.json":   notifySchema,
	}
	for name, src := range sources {
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	v := &validator{}
	for name, dst := range map[string]**jsonschema.Schema{
		"envelope.json": &v.envelope,
		"peek.json":     &v.peek,
		"notify.json":   &v.notify,
	} {
		compiled, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		*dst = compiled
	}
	return v, nil
}

// decode validates raw against schema and unmarshals it into dst. Failures
// wrap domain.ErrInvalidRequest.
func decode(op string, schema *jsonschema.Schema, raw []byte, dst any) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidRequest, "invalid JSON: "+err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidRequest, err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

func (v *validator) event(raw []byte) (event, error) {
	var ev event
	err := decode("parseEvent", v.envelope, raw, &ev)
	return ev, err
}

// decodeData unmarshals the data member of an event already validated
// against the envelope schema.
func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.NewDomainError("decodeData", domain.ErrInvalidRequest, err.Error())
	}
	return nil
}
