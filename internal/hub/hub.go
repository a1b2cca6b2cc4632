package hub

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	xrate "golang.org/x/time/rate"

	"github.com/adred-codev/pulsehub/internal/auth"
	"github.com/adred-codev/pulsehub/internal/batcher"
	"github.com/adred-codev/pulsehub/internal/codec"
	"github.com/adred-codev/pulsehub/internal/metrics"
	"github.com/adred-codev/pulsehub/internal/store"
	"github.com/adred-codev/pulsehub/internal/telemetry"
)

// MonitorUsername is the reserved, privileged telemetry client identity.
const MonitorUsername = "monitor"

// Store is the subset of store.Store the Hub depends on.
type Store interface {
	Subscriptions(ctx context.Context, username string) (map[string]struct{}, error)
	AddSubscription(ctx context.Context, username, channel string) error
	RemoveSubscription(ctx context.Context, username, channel string) error
}

// Config controls Hub behavior.
type Config struct {
	SendQueueSize        int
	SendTimeout          time.Duration
	InboundRateBurst     int
	InboundRatePerSecond int
}

// Hub is the single logical actor owning live_connections and subscribers
// per spec.md §4.3. Registry mutations are serialized under mu; broadcast
// fan-out reads a stable snapshot and runs concurrently across subscribers.
type Hub struct {
	logger    zerolog.Logger
	store     Store
	authMgr   *auth.Manager
	batcher   *batcher.Batcher
	telemetry *telemetry.Telemetry
	cfg       Config

	mu              sync.Mutex
	liveConnections map[string]*Connection
	subIndex        *subscriptionIndex

	nextClientID int64

	// ctx is the Hub's own lifetime context, independent of any single HTTP
	// request — connections and the Batcher loop outlive the handshake
	// request that created them, so they must not inherit r.Context(),
	// which net/http cancels the moment ServeWS returns.
	ctx context.Context
}

// New constructs a Hub whose background work (Batcher loop, connection
// dispatch) runs under ctx until the caller cancels it.
func New(ctx context.Context, logger zerolog.Logger, st Store, authMgr *auth.Manager, b *batcher.Batcher, tel *telemetry.Telemetry, cfg Config) *Hub {
	return &Hub{
		logger:          logger,
		store:           st,
		authMgr:         authMgr,
		batcher:         b,
		telemetry:       tel,
		cfg:             cfg,
		liveConnections: make(map[string]*Connection),
		subIndex:        newSubscriptionIndex(),
		ctx:             ctx,
	}
}

// ActiveConnections reports the current live connection count. Used both as
// the Batcher's size-flush threshold input and as the perf_test reply's
// active_connections field.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.liveConnections)
}

// ServeWS is the HTTP handler mounted at /ws. It performs the bearer-token
// handshake described in spec.md §4.3 before upgrading the connection. A
// request without a valid token is upgraded only to be closed at once with
// a policy-violation status.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authMgr.WebSocketAuth(r)
	if err != nil {
		h.logger.Warn().Err(err).Msg("handshake rejected: invalid or missing bearer token")
		metrics.ConnectionsRejected.Inc()
		if conn, _, _, upErr := ws.UpgradeHTTP(r, w); upErr == nil {
			ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "invalid or missing bearer token")))
			conn.Close()
		}
		return
	}
	username := claims.Username

	subs, err := h.store.Subscriptions(r.Context(), username)
	if err != nil {
		h.logger.Error().Err(err).Str("username", username).Msg("failed to load subscriptions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error().Err(err).Str("username", username).Msg("websocket upgrade failed")
		metrics.ConnectionsRejected.Inc()
		return
	}

	id := atomic.AddInt64(&h.nextClientID, 1)
	queueSize := h.cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	c := newConnection(id, username, conn, queueSize)
	for channel := range subs {
		c.addChannel(channel)
	}

	h.register(h.ctx, c)

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Set(float64(h.ActiveConnections()))

	go h.writePump(c)
	go h.readPump(h.ctx, c)
}

// register inserts c into live_connections (displacing and force-closing any
// previous connection for the same username), wires its channels into the
// subscription index, and performs the post-handshake side effects spec.md
// §4.3 steps 4-7 describe.
func (h *Hub) register(ctx context.Context, c *Connection) {
	h.mu.Lock()
	previous, existed := h.liveConnections[c.Username]
	h.liveConnections[c.Username] = c
	wasEmpty := len(h.liveConnections) == 1
	for _, channel := range c.Channels() {
		h.subIndex.add(channel, c)
	}
	h.mu.Unlock()

	if existed && previous != c {
		h.logger.Info().Str("username", c.Username).Msg("displacing previous connection for username")
		h.forceClose(previous)
	}

	if c.Username == MonitorUsername {
		h.telemetry.Reset()
	} else {
		channels := c.Channels()
		frame := codec.Frame{Event: codec.EventChannelSubscriptions, Data: channels}
		h.send(c, frame)
	}

	if wasEmpty {
		h.batcher.Start(ctx)
	}
}

// handleFrame dispatches one inbound Frame per the table in spec.md §4.3.
func (h *Hub) handleFrame(ctx context.Context, c *Connection, f codec.Frame) {
	switch f.Event {
	case codec.EventMessage:
		f.Sender = c.Username
		f.SentAt = time.Now().UTC().Format(time.RFC3339)
		h.broadcast(f.Channel, f)
		h.batcher.Append(store.ChatRecord{
			Username: c.Username,
			Channel:  f.Channel,
			Content:  f.Content,
			SentAt:   f.SentAt,
		})

	case codec.EventAddChannel:
		if err := h.store.AddSubscription(ctx, c.Username, f.Channel); err != nil {
			h.logger.Error().Err(err).Str("username", c.Username).Str("channel", f.Channel).Msg("add_subscription failed")
			return
		}
		h.mu.Lock()
		h.subIndex.add(f.Channel, c)
		h.mu.Unlock()
		c.addChannel(f.Channel)
		h.send(c, codec.Frame{Event: codec.EventChannelSubscriptions, Data: []string{f.Channel}})

	case codec.EventLeaveChannel:
		if err := h.store.RemoveSubscription(ctx, c.Username, f.Channel); err != nil {
			h.logger.Error().Err(err).Str("username", c.Username).Str("channel", f.Channel).Msg("remove_subscription failed")
			return
		}
		h.mu.Lock()
		h.subIndex.remove(f.Channel, c)
		h.mu.Unlock()
		c.removeChannel(f.Channel)

	case codec.EventPerfTest:
		if c.Username != MonitorUsername {
			return
		}
		h.replyPerfTest(c, f.PerfTestID)

	default:
		// Unknown/unsupported event: drop the frame per spec.md §4.3/§7.
	}
}

func (h *Hub) replyPerfTest(c *Connection, perfTestID int64) {
	// Exclude the monitor's own connection from the reported count — spec.md
	// §8 S6 expects active_connections = (live count - 1).
	active := h.ActiveConnections() - 1
	if active < 0 {
		active = 0
	}
	reply, err := h.telemetry.Sample(active)
	if err != nil {
		h.logger.Warn().Err(err).Msg("telemetry sample failed, skipping perf_test reply")
		return
	}
	h.send(c, codec.Frame{
		Event:             codec.EventPerfTest,
		PerfTestID:        perfTestID,
		CPULoad:           reply.CPULoad,
		MemoryUsage:       reply.MemoryUsage,
		ActiveConnections: reply.ActiveConnections,
		MessageVolume:     reply.MessageVolume,
		MVPeriod:          reply.MVPeriod,
		MVAdjusted:        reply.MVAdjusted,
	})
}

// broadcast encodes frame once, fans it out to every live subscriber of
// channel concurrently with a bounded per-send timeout, and disconnects any
// subscriber that times out or errors, per spec.md §4.3's Broadcast
// algorithm and invariant 5.
func (h *Hub) broadcast(channel string, frame codec.Frame) {
	body, err := codec.EncodeBody(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channel).Msg("failed to encode broadcast frame")
		return
	}

	subscribers := h.subIndex.get(channel)
	if len(subscribers) == 0 {
		return
	}

	timeout := h.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var wg sync.WaitGroup
	failed := make(chan *Connection, len(subscribers))

	for _, sub := range subscribers {
		wg.Add(1)
		go func(sub *Connection) {
			defer wg.Done()
			select {
			case sub.send <- body:
				atomic.StoreInt32(&sub.sendAttempts, 0)
				metrics.MessagesBroadcast.Inc()
				h.telemetry.RecordSent()
			case <-time.After(timeout):
				metrics.BroadcastFailures.WithLabelValues(channel).Inc()
				failed <- sub
			}
		}(sub)
	}

	wg.Wait()
	close(failed)

	for sub := range failed {
		h.logger.Warn().Int64("client_id", sub.ID).Str("channel", channel).Msg("broadcast send timed out, disconnecting slow subscriber")
		metrics.SlowClientsDisconnected.Inc()
		h.Disconnect(sub)
	}
}

// send delivers a single Frame to one connection without going through the
// channel-fan-out path (used for handshake replies and perf_test echoes).
func (h *Hub) send(c *Connection, frame codec.Frame) {
	body, err := codec.EncodeBody(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode direct-send frame")
		return
	}
	select {
	case c.send <- body:
	default:
		h.logger.Warn().Int64("client_id", c.ID).Msg("direct send dropped: queue full")
	}
}

// Disconnect removes c from every registry, closes its socket, and — if it
// was the last live connection — triggers a final Batcher flush and stops
// the Batcher loop, per spec.md §4.3's Disconnect procedure.
func (h *Hub) Disconnect(c *Connection) {
	channels := c.Channels()

	h.mu.Lock()
	h.subIndex.removeAll(c, channels)
	if current, ok := h.liveConnections[c.Username]; ok && current == c {
		delete(h.liveConnections, c.Username)
	}
	empty := len(h.liveConnections) == 0
	h.mu.Unlock()

	h.forceClose(c)

	if c.Username == MonitorUsername {
		h.telemetry.Reset()
	}

	metrics.ConnectionsCurrent.Set(float64(h.ActiveConnections()))

	if empty {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.batcher.Stop(ctx)
	}
}

func (h *Hub) forceClose(c *Connection) {
	c.close()
	select {
	case <-c.send:
	default:
	}
}

// newInboundLimiter builds the per-connection token-bucket limiter used by
// the read pump to protect the Hub from a flooding client, grounded on
// ws/internal/shared/limits/connection_rate_limiter.go.
func (h *Hub) newInboundLimiter() *xrate.Limiter {
	burst := h.cfg.InboundRateBurst
	if burst <= 0 {
		burst = 100
	}
	perSec := h.cfg.InboundRatePerSecond
	if perSec <= 0 {
		perSec = 10
	}
	return xrate.NewLimiter(xrate.Limit(perSec), burst)
}
