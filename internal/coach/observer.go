package coach

// Observer event kinds. A subscription is a stream of snapshot events
// terminated by a single closed event.
const (
	EventSnapshot = "snapshot"
	EventClosed   = "closed"
)

type ObserverEvent struct {
	Kind     string       `json:"kind"`
	Snapshot *HUDSnapshot `json:"snapshot,omitempty"`
}

// Observer is one live subscriber to a case's snapshots. It holds only its
// delivery channel and the last-delivered sequence; it never outlives its
// case. A subscriber that cannot keep up is dropped: its channel is closed
// without a closed event, which tells the client to reconnect.
type Observer struct {
	session *Session
	ch      chan ObserverEvent
	lastSeq int64
	dead    bool
}

// Events is the delivery channel. It is closed on case teardown (after a
// closed event) or when the observer is dropped for lagging.
func (o *Observer) Events() <-chan ObserverEvent {
	return o.ch
}

// Close unsubscribes the observer and releases its channel.
func (o *Observer) Close() {
	o.session.unsubscribe(o)
}
