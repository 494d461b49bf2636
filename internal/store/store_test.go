package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
	"classattend/internal/notify"
)

func sampleDoc(t *testing.T) attendance.Document {
	t.Helper()
	doc := attendance.NewDocument()
	require.NoError(t, doc.SetDayPeriods(attendance.Monday, []string{"Math", "Science"}))
	_, err := doc.Mark("2024-01-01", 0, true)
	require.NoError(t, err)
	doc.Revision = 3
	return doc
}

func testBackend(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.Load(ctx, "alice")
	require.ErrorIs(t, err, attendance.ErrNotFound)

	doc := sampleDoc(t)
	require.NoError(t, b.Save(ctx, "alice", doc))
	got, err := b.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	doc.Reset()
	doc.Revision = 4
	require.NoError(t, b.Save(ctx, "alice", doc))
	got, err = b.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = b.Load(ctx, "bob")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
	assert.NoError(t, b.Ping(ctx))
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "attendance.db")
	b, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
	})
	testBackend(t, b)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "attendance.db")
	b, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	doc := sampleDoc(t)
	require.NoError(t, b.Save(ctx, "alice", doc))
	require.NoError(t, b.Close())

	b, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend(context.Background(), "memory", "", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = OpenBackend(context.Background(), "floppy", "", "")
	assert.Error(t, err)
}

func nextSnapshot(t *testing.T, ch <-chan attendance.Snapshot) attendance.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
		return attendance.Snapshot{}
	}
}

func TestGatewaySubscribe(t *testing.T) {
	mem := NewMemory()
	gw := NewGateway(mem, notify.NewInMemory())
	ctx, cancel := context.WithCancel(context.Background())

	updates, err := gw.Subscribe(ctx, "alice")
	require.NoError(t, err)

	first := nextSnapshot(t, updates)
	assert.False(t, first.Found)

	doc := sampleDoc(t)
	require.NoError(t, gw.Put(ctx, "alice", doc))
	snap := nextSnapshot(t, updates)
	require.True(t, snap.Found)
	assert.Equal(t, doc, snap.Document)

	got, err := gw.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	cancel()
	for range updates {
	}
}

func TestGatewayOtherUsersAreNotPushed(t *testing.T) {
	gw := NewGateway(NewMemory(), notify.NewInMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := gw.Subscribe(ctx, "alice")
	require.NoError(t, err)
	nextSnapshot(t, updates)

	require.NoError(t, gw.Put(ctx, "bob", sampleDoc(t)))
	select {
	case snap := <-updates:
		t.Fatalf("unexpected snapshot %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}
