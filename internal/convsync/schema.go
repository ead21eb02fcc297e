package convsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Callback is the provider envelope delivered to the webhook endpoint. One
// callback carries one or more entries, each with zero or more new-message
// events and zero or more delivery-status events.
type Callback struct {
	Object string          `json:"object"`
	Entry  []CallbackEntry `json:"entry"`
}

type CallbackEntry struct {
	ID      string           `json:"id"`
	Changes []CallbackChange `json:"changes"`
}

type CallbackChange struct {
	Field string        `json:"field"`
	Value CallbackValue `json:"value"`
}

type CallbackValue struct {
	Messages []InboundMessageEvent `json:"messages,omitempty"`
	Statuses []StatusEvent         `json:"statuses,omitempty"`
}

type InboundMessageEvent struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
}

type StatusEvent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id,omitempty"`
}

// EventCount is the number of dispatchable sub-events in the callback.
func (c *Callback) EventCount() int {
	total := 0
	for _, entry := range c.Entry {
		for _, change := range entry.Changes {
			total += len(change.Value.Messages) + len(change.Value.Statuses)
		}
	}
	return total
}

// parseEpoch reads the provider's second-precision epoch timestamp. A
// missing or malformed value yields the zero time; callers substitute now.
func parseEpoch(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

const callbackSchemaURL = "convsync://callback.schema.json"

const callbackSchema = `{
  "type": "object",
  "required": ["object", "entry"],
  "properties": {
    "object": {"type": "string", "minLength": 1},
    "entry": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["changes"],
        "properties": {
          "id": {"type": "string"},
          "changes": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["value"],
              "properties": {
                "field": {"type": "string"},
                "value": {
                  "type": "object",
                  "properties": {
                    "messages": {
                      "type": "array",
                      "items": {
                        "type": "object",
                        "required": ["id", "from"],
                        "properties": {
                          "id": {"type": "string", "minLength": 1},
                          "from": {"type": "string", "minLength": 1},
                          "timestamp": {"type": "string"},
                          "type": {"type": "string"}
                        }
                      }
                    },
                    "statuses": {
                      "type": "array",
                      "items": {
                        "type": "object",
                        "required": ["id", "status"],
                        "properties": {
                          "id": {"type": "string", "minLength": 1},
                          "status": {"type": "string", "minLength": 1},
                          "timestamp": {"type": "string"}
                        }
                      }
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var callbackValidator = mustCompileCallbackSchema()

func mustCompileCallbackSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(callbackSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(callbackSchemaURL, doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(callbackSchemaURL)
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseCallback validates the raw body against the callback schema and
// decodes it. Malformed structure rejects the whole callback before any
// event is dispatched.
func ParseCallback(body []byte) (*Callback, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid json body", ErrInvalidInput)
	}
	if err := callbackValidator.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &cb, nil
}
