// Package loadgen implements the virtual-user engine: connect-ramp,
// per-user action loop, and the weighted action mix, grounded on
// loadtest/main.go's concurrency shape and
// original_source/load_testing/virtual_user.py's exact action-selection
// algorithm.
package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pulsehub/internal/codec"
)

// MaxMessageLength bounds how many random words a chat message draws,
// matching virtual_user.py's MAX_MESSAGE_LENGTH.
const MaxMessageLength = 10

// sampleWords is a small fixed vocabulary for generated chat content; the
// original draws from a much larger wordlist, but any fixed pool satisfies
// spec.md §4.6's "fixed vocabulary" requirement.
var sampleWords = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// TokenSource exchanges a username/password pair for a bearer token. Token
// issuance is an external collaborator per spec.md §1/§6 — this interface
// is the seam that lets tests substitute a fake.
type TokenSource interface {
	Token(ctx context.Context, username, password string) (string, error)
}

// HTTPTokenSource calls the auth collaborator's POST /auth/token endpoint.
type HTTPTokenSource struct {
	BaseURL string
	Client  *http.Client
}

// Token implements TokenSource against a real HTTP auth endpoint.
func (s *HTTPTokenSource) Token(ctx context.Context, username, password string) (string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	body := strings.NewReader(fmt.Sprintf("username=%s&password=%s", username, password))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/auth/token", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth/token: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// Account is one pre-provisioned credential pair drawn from the offline
// account pool spec.md §4.6 describes.
type Account struct {
	Username string
	Password string
}

// Config controls one run of the Load Generator.
type Config struct {
	WSURL   string
	Tokens  TokenSource
	Logger  zerolog.Logger

	TestChannels []string

	ConnectionDelay    time.Duration
	DelayBeforeActions time.Duration
	NumActions         int
	DelayBetweenActions time.Duration

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = time.Second
	}
	return out
}

// Run spawns len(accounts) virtual users on a connect-ramp and blocks until
// every user's action loop has finished, per spec.md §4.6 step 1-3 and the
// "Monitor coexistence" rule (the caller runs the Monitor separately and
// only asks it to log out after Run returns).
func Run(ctx context.Context, cfg Config, accounts []Account) {
	cfg = cfg.withDefaults()

	var wg sync.WaitGroup
	ticker := time.NewTicker(cfg.ConnectionDelay)
	defer ticker.Stop()

	i := 0
	for i < len(accounts) {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			acct := accounts[i]
			i++
			wg.Add(1)
			go func(acct Account) {
				defer wg.Done()
				runUser(ctx, cfg, acct)
			}(acct)
		}
	}
	wg.Wait()
}

// user is one virtual user's session state, mirroring virtual_user.py's
// User class: held channels and the connection. The action count is kept
// by runUser's loop, not here.
type user struct {
	cfg      Config
	username string
	conn     *websocket.Conn
	channels []string
	mu       sync.Mutex

	writeMu sync.Mutex
}

func runUser(ctx context.Context, cfg Config, acct Account) {
	u := &user{cfg: cfg, username: acct.Username}

	if err := u.connect(ctx, acct); err != nil {
		cfg.Logger.Warn().Err(err).Str("username", acct.Username).Msg("virtual user failed to connect, giving up")
		return
	}
	defer u.logout()

	go u.listen()

	time.Sleep(cfg.DelayBeforeActions)

	for i := 0; i < cfg.NumActions; i++ {
		if ctx.Err() != nil {
			return
		}
		if err := u.chooseAction(); err != nil {
			if isNormalClose(err) {
				return
			}
			if reconnectErr := u.reconnect(ctx, acct); reconnectErr != nil {
				cfg.Logger.Warn().Err(reconnectErr).Str("username", acct.Username).Msg("virtual user exhausted reconnect attempts, exiting")
				return
			}
			go u.listen()
		}
		time.Sleep(cfg.DelayBetweenActions)
	}
}

func (u *user) connect(ctx context.Context, acct Account) error {
	token, err := u.acquireToken(ctx, acct)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	u.conn = conn
	return nil
}

// acquireToken fetches a bearer token with one retry, per spec.md §4.6 step 1.
func (u *user) acquireToken(ctx context.Context, acct Account) (string, error) {
	token, err := u.cfg.Tokens.Token(ctx, acct.Username, acct.Password)
	if err == nil {
		return token, nil
	}
	return u.cfg.Tokens.Token(ctx, acct.Username, acct.Password)
}

// reconnect retries connect with bounded attempts and linear backoff, per
// spec.md §4.6's Reconnect policy.
func (u *user) reconnect(ctx context.Context, acct Account) error {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxReconnectAttempts; attempt++ {
		if err := u.connect(ctx, acct); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * u.cfg.ReconnectBackoff):
		}
	}
	return fmt.Errorf("reconnect failed after %d attempts: %w", u.cfg.MaxReconnectAttempts, lastErr)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// listen applies inbound channel_subscriptions frames to the held-channel
// set, mirroring virtual_user.py's listen_for_messages.
func (u *user) listen() {
	for {
		_, body, err := u.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := codec.DecodeBody(body)
		if err != nil {
			continue
		}
		if f.Event == codec.EventChannelSubscriptions {
			u.mu.Lock()
			u.channels = append(u.channels, f.Data...)
			u.mu.Unlock()
		}
	}
}

func (u *user) held() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.channels))
	copy(out, u.channels)
	return out
}

// chooseAction picks and performs exactly one action per spec.md §4.6's
// Action selection table.
func (u *user) chooseAction() error {
	held := u.held()

	if len(held) == 0 {
		pool := u.cfg.TestChannels
		n := 2 + rand.Intn(5) // 2..6 inclusive
		if n > len(pool) {
			n = len(pool)
		}
		for _, ch := range samplePool(pool, n) {
			if err := u.joinChannel(ch); err != nil {
				return err
			}
		}
		return nil
	}

	r := rand.Intn(100)
	switch {
	case r >= 6:
		return u.sendRandomMessage(held)
	case r >= 3 && len(held) < min(len(u.cfg.TestChannels), 11):
		candidates := notHeld(u.cfg.TestChannels, held)
		if len(candidates) == 0 {
			return nil
		}
		return u.joinChannel(candidates[rand.Intn(len(candidates))])
	case len(held) >= 4:
		return u.leaveChannel(held[rand.Intn(len(held))])
	}
	return nil
}

func (u *user) joinChannel(channel string) error {
	return u.send(codec.Frame{Event: codec.EventAddChannel, Channel: channel})
}

func (u *user) leaveChannel(channel string) error {
	if err := u.send(codec.Frame{Event: codec.EventLeaveChannel, Channel: channel}); err != nil {
		return err
	}
	u.mu.Lock()
	for i, c := range u.channels {
		if c == channel {
			u.channels = append(u.channels[:i], u.channels[i+1:]...)
			break
		}
	}
	u.mu.Unlock()
	return nil
}

func (u *user) sendRandomMessage(held []string) error {
	channel := held[rand.Intn(len(held))]
	n := 1 + rand.Intn(MaxMessageLength)
	words := samplePool(sampleWords, n)
	return u.send(codec.Frame{
		Event:   codec.EventMessage,
		Channel: channel,
		Content: strings.Join(words, " "),
	})
}

func (u *user) send(f codec.Frame) error {
	body, err := codec.EncodeBody(f)
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.conn.WriteMessage(websocket.TextMessage, body)
}

func (u *user) logout() {
	if u.conn == nil {
		return
	}
	_ = u.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	u.conn.Close()
}

// samplePool draws n distinct elements from pool without replacement.
func samplePool(pool []string, n int) []string {
	if n >= len(pool) {
		out := make([]string, len(pool))
		copy(out, pool)
		return out
	}
	idx := rand.Perm(len(pool))[:n]
	out := make([]string, n)
	for i, v := range idx {
		out[i] = pool[v]
	}
	return out
}

func notHeld(pool, held []string) []string {
	set := make(map[string]struct{}, len(held))
	for _, c := range held {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range pool {
		if _, ok := set[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
