package loadgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pulsehub/internal/codec"
)

type fakeTokenSource struct{ calls int }

func (f *fakeTokenSource) Token(ctx context.Context, username, password string) (string, error) {
	f.calls++
	return "token-for-" + username, nil
}

// echoServer accepts one WebSocket connection, immediately sends a
// channel_subscriptions frame naming the given channels (mimicking the
// Hub's post-handshake behavior), then echoes every message frame back.
func echoServer(t *testing.T, channels []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		body, err := codec.EncodeBody(codec.Frame{Event: codec.EventChannelSubscriptions, Data: channels})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := codec.DecodeBody(msg)
			if err != nil {
				continue
			}
			if f.Event == codec.EventMessage {
				out, _ := codec.EncodeBody(f)
				conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
}

func TestRunCompletesActionLoopForEveryUser(t *testing.T) {
	server := echoServer(t, []string{"welcome", "general"})
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	tokens := &fakeTokenSource{}
	cfg := Config{
		WSURL:               wsURL,
		Tokens:              tokens,
		Logger:              zerolog.Nop(),
		TestChannels:        []string{"welcome", "general", "random"},
		ConnectionDelay:      time.Millisecond,
		DelayBeforeActions:   time.Millisecond,
		NumActions:           5,
		DelayBetweenActions:  time.Millisecond,
	}

	accounts := []Account{{Username: "alice"}, {Username: "bob"}}

	done := make(chan struct{})
	go func() {
		Run(context.Background(), cfg, accounts)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete in time")
	}

	require.GreaterOrEqual(t, tokens.calls, len(accounts))
}

func TestSamplePoolReturnsDistinctElements(t *testing.T) {
	pool := []string{"a", "b", "c", "d", "e"}
	got := samplePool(pool, 3)
	require.Len(t, got, 3)

	seen := make(map[string]struct{})
	for _, v := range got {
		_, dup := seen[v]
		require.False(t, dup)
		seen[v] = struct{}{}
	}
}

func TestSamplePoolCapsAtPoolSize(t *testing.T) {
	pool := []string{"a", "b"}
	got := samplePool(pool, 10)
	require.Len(t, got, 2)
}

func TestNotHeldExcludesHeldChannels(t *testing.T) {
	pool := []string{"a", "b", "c"}
	held := []string{"a"}
	got := notHeld(pool, held)
	require.ElementsMatch(t, []string{"b", "c"}, got)
}

// echoAllServer, unlike echoServer, echoes back every frame regardless of
// event type, so a test can observe add_channel/leave_channel traffic too.
func echoAllServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, msg)
		}
	}))
}

func TestChooseActionSubscribesWhenNoChannelsHeld(t *testing.T) {
	server := echoAllServer(t)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	u := &user{
		cfg:  Config{TestChannels: []string{"a", "b", "c", "d", "e", "f"}},
		conn: conn,
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var wg sync.WaitGroup
	wg.Add(1)
	received := make(chan codec.Frame, 10)
	go func() {
		defer wg.Done()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := codec.DecodeBody(msg)
			if err == nil {
				received <- f
			}
		}
	}()

	require.NoError(t, u.chooseAction())
	time.Sleep(200 * time.Millisecond)
	conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	wg.Wait()
	close(received)

	count := 0
	for range received {
		count++
	}
	require.GreaterOrEqual(t, count, 2)
}
