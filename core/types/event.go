package types

// Event is the flattened form of an engine event. Attribute values are
// decimal strings or bech32 addresses so the payload can be logged, streamed
// and archived without further encoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the named attribute, or "" when the event is nil or the key is
// absent.
func (e *Event) Attr(key string) string {
	if e == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a copy whose attribute map can be handed to another
// goroutine.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Attributes: attrs}
}
