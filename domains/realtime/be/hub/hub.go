// Package hub fans attendance events out to SSE subscribers. Events travel
// between processes over Redis pub/sub; the hub holds one upstream
// subscription per live session and relays to its local subscribers. There
// is no replay: a subscriber sees only what happens while it is connected,
// and a slow subscriber has events dropped rather than stalling the relay.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/platform/go/cache"
)

const subscriberBuffer = 16

// Channel names the relay channel for one live attendance session. The
// session is identified by the gate: the recognition worker knows the gate
// of every frame it decides on.
func Channel(tenantID, sessionID uuid.UUID) string {
	return fmt.Sprintf("realtime:%s:%s", tenantID, sessionID)
}

type feedKey struct {
	tenantID  uuid.UUID
	sessionID uuid.UUID
}

type feed struct {
	subs map[chan string]struct{}
	stop context.CancelFunc
}

type Hub struct {
	cache  *cache.Client
	logger *zap.Logger

	mu    sync.Mutex
	feeds map[feedKey]*feed
}

func New(cacheClient *cache.Client, logger *zap.Logger) *Hub {
	if cacheClient == nil {
		panic("cache client is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Hub{cache: cacheClient, logger: logger, feeds: make(map[feedKey]*feed)}
}

// Subscribe registers a local subscriber for one session's events. The
// first subscriber opens the upstream Redis subscription; the last one
// leaving closes it. The returned cancel must be called exactly once.
func (h *Hub) Subscribe(tenantID, sessionID uuid.UUID) (<-chan string, func()) {
	key := feedKey{tenantID: tenantID, sessionID: sessionID}

	h.mu.Lock()
	f, ok := h.feeds[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &feed{subs: make(map[chan string]struct{}), stop: cancel}
		h.feeds[key] = f
		go h.relay(ctx, key, f)
	}
	ch := make(chan string, subscriberBuffer)
	f.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(f.subs, ch)
			if len(f.subs) == 0 {
				f.stop()
				delete(h.feeds, key)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) relay(ctx context.Context, key feedKey, f *feed) {
	ps := h.cache.Subscribe(ctx, Channel(key.tenantID, key.sessionID))
	defer func() { _ = ps.Close() }()

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				h.logger.Warn("realtime upstream closed",
					zap.String("tenant_id", key.tenantID.String()),
					zap.String("session_id", key.sessionID.String()))
				return
			}
			h.broadcast(f, msg.Payload)
		}
	}
}

// broadcast delivers to every local subscriber without blocking: a full
// buffer means the event is dropped for that subscriber.
func (h *Hub) broadcast(f *feed, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}
