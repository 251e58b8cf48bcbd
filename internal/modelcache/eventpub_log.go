package modelcache

import "github.com/rs/zerolog"

// LogPublisher writes events to a zerolog logger at debug level, and
// failures at warn.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Debug()
	if e.Name == EventResolveFailed || e.Name == EventPersistFailed {
		ev = p.Log.Warn()
	}
	ev.Str("event", e.Name).Str("model", e.Model).Fields(e.Fields).Msg("model cache")
}
