package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAccountSeedsDefaultChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, "alice", "hunter2"))

	subs, err := s.Subscriptions(ctx, "alice")
	require.NoError(t, err)
	_, ok := subs[DefaultChannel]
	require.True(t, ok)
}

func TestCreateAccountRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, "alice", "hunter2"))
	err := s.CreateAccount(ctx, "alice", "other")
	require.Error(t, err)
}

func TestCredentialsRoundTripAndAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, "alice", "hunter2"))

	creds, ok, err := s.Credentials(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, CheckPassword(creds.PasswordHash, "hunter2"))
	require.False(t, creds.Disabled)

	_, ok, err = s.Credentials(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscriptionsAbsentUserReturnsEmptySet(t *testing.T) {
	s := newTestStore(t)
	subs, err := s.Subscriptions(context.Background(), "ghost")
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestAddRemoveSubscriptionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, "alice", "hunter2"))

	require.NoError(t, s.AddSubscription(ctx, "alice", "room"))
	require.NoError(t, s.AddSubscription(ctx, "alice", "room")) // idempotent

	subs, err := s.Subscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Contains(t, subs, "room")
	require.Contains(t, subs, DefaultChannel)

	require.NoError(t, s.RemoveSubscription(ctx, "alice", "room"))
	require.NoError(t, s.RemoveSubscription(ctx, "alice", "room")) // idempotent

	subs, err = s.Subscriptions(ctx, "alice")
	require.NoError(t, err)
	require.NotContains(t, subs, "room")
}

func TestInsertBatchWritesEachRecordOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []ChatRecord{
		{Username: "alice", Channel: "welcome", Content: "a", SentAt: "2026-07-31T00:00:00Z"},
		{Username: "alice", Channel: "welcome", Content: "b", SentAt: "2026-07-31T00:00:01Z"},
	}
	require.NoError(t, s.InsertBatch(ctx, records))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestInsertBatchEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBatch(context.Background(), nil))
}

func TestHealthCheckOK(t *testing.T) {
	s := newTestStore(t)
	h := s.HealthCheck(context.Background())
	require.True(t, h.OK)
}
