package hub

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pulsehub/internal/auth"
	"github.com/adred-codev/pulsehub/internal/batcher"
	"github.com/adred-codev/pulsehub/internal/codec"
	"github.com/adred-codev/pulsehub/internal/store"
	"github.com/adred-codev/pulsehub/internal/telemetry"
)

// fakeStore is an in-memory stand-in for store.Store satisfying the Hub's
// narrow Store interface, so these are real end-to-end Hub tests without a
// real SQLite file.
type fakeStore struct {
	subs map[string]map[string]struct{}
}

func newFakeStore(initial map[string][]string) *fakeStore {
	s := &fakeStore{subs: make(map[string]map[string]struct{})}
	for user, channels := range initial {
		set := make(map[string]struct{}, len(channels))
		for _, c := range channels {
			set[c] = struct{}{}
		}
		s.subs[user] = set
	}
	return s
}

func (f *fakeStore) Subscriptions(ctx context.Context, username string) (map[string]struct{}, error) {
	set, ok := f.subs[username]
	if !ok {
		return map[string]struct{}{}, nil
	}
	out := make(map[string]struct{}, len(set))
	for c := range set {
		out[c] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) AddSubscription(ctx context.Context, username, channel string) error {
	if f.subs[username] == nil {
		f.subs[username] = make(map[string]struct{})
	}
	f.subs[username][channel] = struct{}{}
	return nil
}

func (f *fakeStore) RemoveSubscription(ctx context.Context, username, channel string) error {
	delete(f.subs[username], channel)
	return nil
}

func (f *fakeStore) InsertBatch(ctx context.Context, records []store.ChatRecord) error {
	return nil
}

type testHarness struct {
	hub     *Hub
	authMgr *auth.Manager
	server  *httptest.Server
}

func newTestHarness(t *testing.T, initial map[string][]string) *testHarness {
	t.Helper()
	fs := newFakeStore(initial)
	authMgr := auth.NewManager("test-secret")
	b := batcher.New(fs, zerolog.Nop(), nil, time.Hour)
	tel := telemetry.New()
	h := New(context.Background(), zerolog.Nop(), fs, authMgr, b, tel, Config{
		SendQueueSize: 16,
		SendTimeout:   2 * time.Second,
	})

	server := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(server.Close)

	return &testHarness{hub: h, authMgr: authMgr, server: server}
}

// testClient is a minimal gobwas/ws client connection used to drive the Hub
// from the test's side of the wire.
type testClient struct {
	conn net.Conn
}

func (h *testHarness) dial(t *testing.T, username string) *testClient {
	t.Helper()
	token, err := h.authMgr.Generate(username, time.Minute)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}
	conn, _, _, err := dialer.Dial(context.Background(), wsURL)
	require.NoError(t, err)

	return &testClient{conn: conn}
}

func (c *testClient) send(t *testing.T, f codec.Frame) {
	t.Helper()
	body, err := codec.EncodeBody(f)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(c.conn, ws.OpText, body))
}

func (c *testClient) recv(t *testing.T) codec.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	body, _, err := wsutil.ReadServerData(c.conn)
	require.NoError(t, err)
	f, err := codec.DecodeBody(body)
	require.NoError(t, err)
	return f
}

func (c *testClient) close() { c.conn.Close() }

func TestS1Echo(t *testing.T) {
	h := newTestHarness(t, map[string][]string{"alice": {"welcome"}})
	alice := h.dial(t, "alice")
	defer alice.close()

	first := alice.recv(t) // channel_subscriptions on connect
	require.Equal(t, codec.EventChannelSubscriptions, first.Event)
	require.ElementsMatch(t, []string{"welcome"}, first.Data)

	alice.send(t, codec.Frame{Event: codec.EventMessage, Channel: "welcome", Content: "hi"})

	got := alice.recv(t)
	require.Equal(t, "alice", got.Sender)
	require.Equal(t, "welcome", got.Channel)
	require.Equal(t, "hi", got.Content)
	_, err := time.Parse(time.RFC3339, got.SentAt)
	require.NoError(t, err)
}

func TestS2FanOut(t *testing.T) {
	h := newTestHarness(t, map[string][]string{
		"alice": {"room"},
		"bob":   {"room"},
	})
	alice := h.dial(t, "alice")
	defer alice.close()
	bob := h.dial(t, "bob")
	defer bob.close()

	alice.recv(t) // channel_subscriptions
	bob.recv(t)    // channel_subscriptions

	for _, content := range []string{"a", "b", "c"} {
		alice.send(t, codec.Frame{Event: codec.EventMessage, Channel: "room", Content: content})
	}

	for _, want := range []string{"a", "b", "c"} {
		got := bob.recv(t)
		require.Equal(t, want, got.Content)
	}
}

func TestS3AddLeave(t *testing.T) {
	h := newTestHarness(t, map[string][]string{
		"alice": {"welcome"},
		"carol": {"room"},
	})
	alice := h.dial(t, "alice")
	defer alice.close()
	carol := h.dial(t, "carol")
	defer carol.close()

	alice.recv(t)
	carol.recv(t)

	alice.send(t, codec.Frame{Event: codec.EventAddChannel, Channel: "room"})
	subsReply := alice.recv(t)
	require.Equal(t, codec.EventChannelSubscriptions, subsReply.Event)
	require.Contains(t, subsReply.Data, "room")

	alice.send(t, codec.Frame{Event: codec.EventLeaveChannel, Channel: "room"})

	// Give the Hub a moment to apply the leave before carol broadcasts.
	time.Sleep(50 * time.Millisecond)

	carol.send(t, codec.Frame{Event: codec.EventMessage, Channel: "room", Content: "room-only"})

	// alice left "room" before carol's send; she must receive nothing.
	alice.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := wsutil.ReadServerData(alice.conn)
	require.Error(t, err) // expect timeout: alice left "room" and gets nothing
}

func TestS6MonitorPing(t *testing.T) {
	h := newTestHarness(t, map[string][]string{"monitor": {}})
	mon := h.dial(t, "monitor")
	defer mon.close()

	mon.send(t, codec.Frame{Event: codec.EventPerfTest, PerfTestID: 7})

	reply := mon.recv(t)
	require.Equal(t, codec.EventPerfTest, reply.Event)
	require.Equal(t, int64(7), reply.PerfTestID)
	require.Equal(t, 0, reply.ActiveConnections) // live count (1, just monitor) - 1 == 0
	require.NotEmpty(t, reply.CPULoad)
	require.GreaterOrEqual(t, reply.MVPeriod, 0.25)
	require.GreaterOrEqual(t, reply.MVAdjusted, int64(0))
}

func TestDisplacesPreviousConnectionForSameUsername(t *testing.T) {
	h := newTestHarness(t, map[string][]string{"alice": {"welcome"}})
	first := h.dial(t, "alice")
	defer first.close()
	first.recv(t)

	second := h.dial(t, "alice")
	defer second.close()
	second.recv(t)

	first.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, err := wsutil.ReadServerData(first.conn)
	require.Error(t, err) // first connection was force-closed
}
