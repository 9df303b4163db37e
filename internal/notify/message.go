package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedMessage     = errors.New("malformed notification")
	ErrUnrecognizedCategory = errors.New("unrecognized notification category")
)

// Message is one decoded push notification.
type Message struct {
	Category   Category
	ServerTime int64
	Payload    json.RawMessage
}

type envelope struct {
	Meta struct {
		Category   string `json:"category"`
		ServerTime int64  `json:"serverTime"`
	} `json:"meta"`
	Message json.RawMessage `json:"message"`
}

type discoveryPayload struct {
	Event struct {
		Kind       string          `json:"kind"`
		ServiceRef json.RawMessage `json:"serviceRef"`
	} `json:"event"`
}

// Decode parses a raw websocket frame. Discovery events are resolved to their
// Target* category with the service reference as payload.
func Decode(data []byte) (Message, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	cat := Category(strings.TrimSpace(env.Meta.Category))
	if cat == "" {
		return Message{}, fmt.Errorf("%w: missing category", ErrMalformedMessage)
	}
	msg := Message{Category: cat, ServerTime: env.Meta.ServerTime, Payload: env.Message}

	if cat == TargetJvmDiscovery {
		var p discoveryPayload
		if err := json.Unmarshal(env.Message, &p); err != nil {
			return Message{}, fmt.Errorf("%w: discovery: %v", ErrMalformedMessage, err)
		}
		resolved, ok := discoveryKinds[strings.ToUpper(strings.TrimSpace(p.Event.Kind))]
		if !ok {
			return Message{}, fmt.Errorf("%w: discovery kind %q", ErrUnrecognizedCategory, p.Event.Kind)
		}
		msg.Category = resolved
		msg.Payload = p.Event.ServiceRef
	}
	return msg, nil
}

// Encode builds a wire frame. Target* categories are wrapped back into a
// discovery event.
func Encode(msg Message) ([]byte, error) {
	cat := msg.Category
	payload := msg.Payload
	for kind, c := range discoveryKinds {
		if c != cat {
			continue
		}
		wrapped, err := json.Marshal(map[string]any{
			"event": map[string]any{"kind": kind, "serviceRef": payload},
		})
		if err != nil {
			return nil, err
		}
		cat, payload = TargetJvmDiscovery, wrapped
		break
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(map[string]any{
		"meta": map[string]any{
			"category":   cat,
			"serverTime": msg.ServerTime,
			"type":       map[string]string{"type": "application", "subType": "json"},
		},
		"message": payload,
	})
}
