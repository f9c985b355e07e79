package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mkarlis/gridtrader/internal/events"
)

// eventBroker fans bus events out to SSE clients. Bus handlers must not
// block, so each client gets a buffered channel and slow clients drop events
// instead of stalling the emitter.
type eventBroker struct {
	mu      sync.Mutex
	clients map[chan *events.Event]struct{}
	closed  bool
	log     zerolog.Logger
}

func newEventBroker(bus *events.Bus, log zerolog.Logger) *eventBroker {
	b := &eventBroker{
		clients: make(map[chan *events.Event]struct{}),
		log:     log.With().Str("component", "sse").Logger(),
	}
	if bus != nil {
		bus.SubscribeAll(b.broadcast)
	}
	return b
}

func (b *eventBroker) broadcast(e *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- e:
		default:
			// Client is not keeping up; drop rather than block the bus
		}
	}
}

func (b *eventBroker) subscribe() chan *events.Event {
	ch := make(chan *events.Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.clients[ch] = struct{}{}
	return ch
}

func (b *eventBroker) unsubscribe(ch chan *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

func (b *eventBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

// handleEventStream streams bus events as server-sent events.
// GET /api/events/stream
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broker.subscribe()
	defer s.broker.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to marshal event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
