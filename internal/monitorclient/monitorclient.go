// Package monitorclient implements the privileged Monitor virtual user: a
// 1/sec perf_test ping loop with latency and percentile bookkeeping,
// grounded on original_source/load_testing/monitor.py.
package monitorclient

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pulsehub/internal/codec"
)

// MonitorUsername is the reserved, privileged telemetry client identity
// the Hub treats specially.
const MonitorUsername = "monitor"

// noiseFloorCPUFraction is the per-core CPU load fraction (telemetry reports
// cpu_load as fractions, not percentages, per spec.md §3) below which a
// sample is considered noise and dropped from percentile reporting. 3%
// per spec.md §4.7 is 0.03 on the fraction scale telemetry actually emits.
const noiseFloorCPUFraction = 0.03

// PerfSample is one perf_test round trip, keyed by perf_test_id, mirroring
// monitor.py's perf_data dict entries.
type PerfSample struct {
	PerfTestID        int64
	Latency           time.Duration
	CPULoad           []float64
	MemoryUsage       float64
	ActiveConnections int
	MessageVolume     int64
	MVPeriod          float64
	MVAdjusted        int64
}

// Summary is the percentile report computed over a completed run's samples.
type Summary struct {
	SampleCount int
	P90         time.Duration
	P95         time.Duration
	P99         time.Duration
}

// Config controls one Monitor run.
type Config struct {
	WSURL  string
	Token  string
	Logger zerolog.Logger

	PingInterval time.Duration
}

// Client is the running Monitor connection plus accumulated samples.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	mu         sync.Mutex
	nextID     int64
	sentAt     map[int64]time.Time
	samples    []PerfSample
	loggedOut  bool
	loggedOutC chan struct{}
}

// Connect opens the Monitor's WebSocket connection, authenticating with the
// reserved monitor username's bearer token.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	header := http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WSURL, header)
	if err != nil {
		return nil, fmt.Errorf("monitor dial: %w", err)
	}
	return &Client{
		cfg:        cfg,
		conn:       conn,
		nextID:     1,
		sentAt:     make(map[int64]time.Time),
		loggedOutC: make(chan struct{}),
	}, nil
}

// Run sends a perf_test ping once per second (starting perf_test_id at 1,
// monotonic) and listens for replies until the context is canceled or the
// server reports zero active connections, per spec.md §4.7.
func (c *Client) Run(ctx context.Context) {
	go c.listen()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Logout()
			return
		case <-c.loggedOutC:
			return
		case <-ticker.C:
			c.ping()
		}
	}
}

func (c *Client) ping() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.sentAt[id] = time.Now()
	c.mu.Unlock()

	body, err := codec.EncodeBody(codec.Frame{Event: codec.EventPerfTest, PerfTestID: id})
	if err != nil {
		c.cfg.Logger.Error().Err(err).Msg("failed to encode perf_test ping")
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("failed to send perf_test ping")
	}
}

func (c *Client) listen() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := codec.DecodeBody(msg)
		if err != nil {
			continue
		}
		if f.Event != codec.EventPerfTest {
			continue
		}
		c.handleReply(f)
	}
}

// handleReply records a PerfSample for a reply and triggers auto-logout
// when the reply reports zero active connections (besides the monitor
// itself, which the Hub already excludes from the reported count). Unlike
// monitor.py, this does not subtract 1 from active_connections — the Hub
// performs that adjustment server-side before the value reaches the wire.
func (c *Client) handleReply(f codec.Frame) {
	c.mu.Lock()
	sentAt, ok := c.sentAt[f.PerfTestID]
	if ok {
		delete(c.sentAt, f.PerfTestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	sample := PerfSample{
		PerfTestID:        f.PerfTestID,
		Latency:           time.Since(sentAt),
		CPULoad:           f.CPULoad,
		MemoryUsage:       f.MemoryUsage,
		ActiveConnections: f.ActiveConnections,
		MessageVolume:     f.MessageVolume,
		MVPeriod:          f.MVPeriod,
		MVAdjusted:        f.MVAdjusted,
	}

	c.mu.Lock()
	c.samples = append(c.samples, sample)
	c.mu.Unlock()

	c.cfg.Logger.Debug().
		Int64("perf_test_id", f.PerfTestID).
		Dur("latency", sample.Latency).
		Int("active_connections", f.ActiveConnections).
		Msg("perf_test reply recorded")

	if f.ActiveConnections < 1 {
		c.Logout()
	}
}

// Logout closes the Monitor's connection exactly once, per spec.md §4.6's
// "only then is the monitor asked to log out."
func (c *Client) Logout() {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return
	}
	c.loggedOut = true
	c.mu.Unlock()

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
	close(c.loggedOutC)
}

// Samples returns a snapshot of every PerfSample recorded so far.
func (c *Client) Samples() []PerfSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PerfSample, len(c.samples))
	copy(out, c.samples)
	return out
}

// Summarize filters noise samples (zero active connections, or peak
// per-core CPU below the noise floor) and computes latency percentiles
// over what remains, per spec.md §4.7.
func Summarize(samples []PerfSample) Summary {
	var kept []time.Duration
	for _, s := range samples {
		if s.ActiveConnections == 0 {
			continue
		}
		if peakCPU(s.CPULoad) < noiseFloorCPUFraction {
			continue
		}
		kept = append(kept, s.Latency)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })

	return Summary{
		SampleCount: len(kept),
		P90:         percentile(kept, 0.90),
		P95:         percentile(kept, 0.95),
		P99:         percentile(kept, 0.99),
	}
}

func peakCPU(perCore []float64) float64 {
	var peak float64
	for _, v := range perCore {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// percentile returns the element at index floor(p*len) of a slice already
// sorted ascending, clamped to the last element; it does not interpolate.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
