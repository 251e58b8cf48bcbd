package modelcache

// Event represents a resolver lifecycle event.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// Event names.
const (
	EventResolveStart  = "resolve_start"
	EventCacheHit      = "cache_hit"
	EventCacheMiss     = "cache_miss"
	EventFetchDone     = "fetch_done"
	EventPersistDone   = "persist_done"
	EventPersistFailed = "persist_failed"
	EventResolveFailed = "resolve_failed"
)

// EventPublisher receives events from the resolver. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
