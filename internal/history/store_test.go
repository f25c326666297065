package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{TickID: "t1", Worker: "/root/bin/b.worker", Port: 5000, PID: 100, Action: ActionRegister, At: base},
		{TickID: "t2", Worker: "/root/bin/a.worker", Port: 5001, PID: 101, Action: ActionRestart, At: base.Add(time.Minute)},
		{TickID: "t3", Worker: "/root/bin/b.worker", Port: 5000, PID: 102, Action: ActionRestart, At: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, s.Record(ctx, ev))
	}

	all, err := s.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].TickID)
	assert.Equal(t, ActionRestart, all[0].Action)
	assert.True(t, all[0].At.Equal(base.Add(2*time.Minute)))

	b, err := s.Recent(ctx, "/root/bin/b.worker", 1)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, 102, b[0].PID)
}

func TestStore_Process(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	worker := "/root/bin/a.worker"

	_, err := s.Process(ctx, worker)
	assert.ErrorIs(t, err, ErrNoProcess)

	require.NoError(t, s.Record(ctx, Event{TickID: "t1", Worker: worker, Port: 5001, PID: 42, Action: ActionRegister}))
	require.NoError(t, s.Record(ctx, Event{TickID: "t2", Worker: worker, Port: 5002, PID: 43, Action: ActionReallocate}))

	p, err := s.Process(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, 43, p.PID)
	assert.Equal(t, 5002, p.Port)
	assert.False(t, p.StartedAt.IsZero())

	// A failed launch (no PID) keeps the previous process row.
	require.NoError(t, s.Record(ctx, Event{TickID: "t3", Worker: worker, Port: 5002, Action: ActionRestart}))
	p, err = s.Process(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, 43, p.PID)

	require.NoError(t, s.Record(ctx, Event{TickID: "t4", Worker: worker, Port: 5002, Action: ActionEvict}))
	_, err = s.Process(ctx, worker)
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Event{TickID: "t1", Worker: "/w", Port: 5000, PID: 7, Action: ActionRegister}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events, err := s.Recent(ctx, "/w", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOpen_Pragmas(t *testing.T) {
	s := openTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}
