// Package hub implements the single-authority actor that owns every live
// connection and the channel-to-subscriber mapping, adapted from
// ws/internal/shared/connection.go and broadcast.go.
package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is one authenticated, live WebSocket peer. The Hub exclusively
// owns Connection; the channel subscription index holds pointers to the
// whole Connection, which broadcast uses for its send queue and, on
// failure, to disconnect it.
type Connection struct {
	ID       int64
	Username string
	conn     net.Conn

	send chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}

	connectedAt  time.Time
	closeOnce    sync.Once
	sendAttempts int32
}

// newConnection allocates a Connection bound to conn with a bounded
// outbound queue of size queueSize — the explicit backpressure bound
// spec.md §4.3/§9 requires in place of an implicit buffer.
func newConnection(id int64, username string, conn net.Conn, queueSize int) *Connection {
	return &Connection{
		ID:          id,
		Username:    username,
		conn:        conn,
		send:        make(chan []byte, queueSize),
		channels:    make(map[string]struct{}),
		connectedAt: time.Now(),
	}
}

// Channels returns a snapshot copy of the connection's channel set.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) addChannel(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeChannel(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// close closes the underlying socket exactly once; safe to call
// concurrently and repeatedly.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// subscriptionIndex is the reverse channel → subscribers lookup, adapted
// from ws/internal/shared/connection.go's SubscriptionIndex. Reads take a
// copy-on-write snapshot so Broadcast never holds a lock while sending.
type subscriptionIndex struct {
	mu     sync.Mutex
	byChan map[string]*atomic.Value // channel -> []*Connection
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{byChan: make(map[string]*atomic.Value)}
}

// get returns the current subscriber snapshot for channel, or nil if none.
func (s *subscriptionIndex) get(channel string) []*Connection {
	s.mu.Lock()
	v, ok := s.byChan[channel]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	val := v.Load()
	if val == nil {
		return nil
	}
	return val.([]*Connection)
}

// add inserts conn into channel's subscriber set. Must be called from
// within the Hub's serialized critical section.
func (s *subscriptionIndex) add(channel string, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byChan[channel]
	if !ok {
		v = &atomic.Value{}
		s.byChan[channel] = v
	}

	var current []*Connection
	if loaded := v.Load(); loaded != nil {
		current = loaded.([]*Connection)
	}

	for _, existing := range current {
		if existing == conn {
			return
		}
	}

	next := make([]*Connection, len(current), len(current)+1)
	copy(next, current)
	next = append(next, conn)
	v.Store(next)
}

// remove deletes conn from channel's subscriber set, pruning the channel
// entry entirely once empty.
func (s *subscriptionIndex) remove(channel string, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byChan[channel]
	if !ok {
		return
	}
	current, _ := v.Load().([]*Connection)

	next := make([]*Connection, 0, len(current))
	for _, existing := range current {
		if existing != conn {
			next = append(next, existing)
		}
	}

	if len(next) == 0 {
		delete(s.byChan, channel)
		return
	}
	v.Store(next)
}

// removeAll removes conn from every channel it belongs to.
func (s *subscriptionIndex) removeAll(conn *Connection, channels []string) {
	for _, ch := range channels {
		s.remove(ch, conn)
	}
}
