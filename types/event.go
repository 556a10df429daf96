package types

import "maps"

// Event is a single decoded record
// Fields is the payload handed downstream, Metadata carries provenance which is not part of the payload
type Event struct {
	Fields   map[string]any `json:"fields"`
	Metadata map[string]any `json:"@metadata,omitempty"`
}

func NewEvent(fields map[string]any) *Event {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Event{
		Fields:   fields,
		Metadata: make(map[string]any),
	}
}

// NewMessageEvent returns an event with the given message as its only field
func NewMessageEvent(message string) *Event {
	return NewEvent(map[string]any{"message": message})
}

func (e *Event) Set(key string, value any) {
	e.Fields[key] = value
}

// SetIfAbsent sets the field only if it is not already present, and returns whether it was set
func (e *Event) SetIfAbsent(key string, value any) bool {
	if _, ok := e.Fields[key]; ok {
		return false
	}
	e.Fields[key] = value
	return true
}

// Message returns the message field if it is a string
func (e *Event) Message() (string, bool) {
	s, ok := e.Fields["message"].(string)
	return s, ok
}

// ToMap returns the fields with the metadata nested under "@metadata", the shape written to sinks
func (e *Event) ToMap() map[string]any {
	res := maps.Clone(e.Fields)
	if res == nil {
		res = make(map[string]any)
	}
	if len(e.Metadata) > 0 {
		res["@metadata"] = e.Metadata
	}
	return res
}
