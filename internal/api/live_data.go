package api

// EventSource feeds the SSE endpoint. *events.Bus implements it.
type EventSource interface {
	// Subscribe delivers matching events until cancel is called.
	Subscribe(filter EventFilter) (events <-chan SSEEvent, cancel func())
	// ReplaySince returns buffered events newer than lastEventID, oldest
	// first, so a reconnecting client can catch up.
	ReplaySince(lastEventID string, filter EventFilter) []SSEEvent
}

// EventFilter narrows a subscription. An entry in Types is either an event
// type ("recording_started") or type:subtype ("error:busy"). Empty fields
// match everything.
type EventFilter struct {
	Types     []string
	SessionID string
}

// SSEEvent is one engine event, already encoded for the wire.
type SSEEvent struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	SubType   string `json:"sub_type,omitempty"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
	Data      []byte `json:"-"`
}
