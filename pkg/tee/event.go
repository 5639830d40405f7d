package tee

// EventKind identifies a [Event].
type EventKind int

const (
	// EventSubscribed is raised after a consumer joined.
	EventSubscribed EventKind = iota

	// EventUnsubscribed is raised after a consumer left voluntarily.
	EventUnsubscribed

	// EventEvicted is raised when the tee removed a consumer.
	EventEvicted

	// EventStalled is raised when a Block consumer missed its deadline
	// stall-limit times in a row.
	EventStalled

	// EventSourceFailed is raised when the source returned an error other
	// than EOF.
	EventSourceFailed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	case EventEvicted:
		return "evicted"
	case EventStalled:
		return "stalled"
	case EventSourceFailed:
		return "source-failed"
	default:
		return "unknown"
	}
}

// Event describes a change in a tee's consumer set or health.
type Event struct {
	Kind       EventKind
	Tee        string
	ConsumerID string
	Label      string
	Policy     Policy

	// Dropped is the consumer's dropped byte count at the time of the event.
	Dropped int64

	// Overruns is the consecutive deadline misses for EventStalled.
	Overruns int

	// Err is the eviction cause or source error.
	Err error
}
