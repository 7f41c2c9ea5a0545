package auth

import (
	"context"

	"hkit.org/internal/events"
)

// SessionWatcher turns provider session events into resolved sessions. It only
// resolves; routing is left to consumers of Subscribe.
type SessionWatcher struct {
	resolver *Resolver
	out      *events.Broker[ResolvedSession]
}

func NewSessionWatcher(resolver *Resolver) *SessionWatcher {
	return &SessionWatcher{resolver: resolver, out: events.New[ResolvedSession](0)}
}

// Subscribe returns resolved sessions published after the call.
func (w *SessionWatcher) Subscribe(ctx context.Context) <-chan ResolvedSession {
	return w.out.Subscribe(ctx)
}

// Run consumes in until it is closed or ctx ends, then closes all subscriptions.
func (w *SessionWatcher) Run(ctx context.Context, in <-chan SessionEvent) {
	defer w.out.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-in:
			if !ok {
				return
			}
			w.out.Publish(w.Handle(ctx, evt))
		}
	}
}

// Handle resolves a single event.
func (w *SessionWatcher) Handle(ctx context.Context, evt SessionEvent) ResolvedSession {
	if evt.Kind == EventSignedOut {
		return ResolvedSession{Event: evt, Session: Session{State: StateSignedOut}}
	}
	return ResolvedSession{Event: evt, Session: w.resolver.Resolve(ctx, evt.Identity)}
}
