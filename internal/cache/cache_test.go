package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/taskloop/internal/tracker"
)

func TestKeyStableUnderLabelOrder(t *testing.T) {
	a := Key("owner/repo", tracker.Filter{RequireLabels: []string{"ready", "ai"}, ExcludeLabels: []string{"blocked"}})
	b := Key("owner/repo", tracker.Filter{RequireLabels: []string{"ai", "ready"}, ExcludeLabels: []string{"blocked"}})
	assert.Equal(t, a, b, "label order must not change the cache key")

	c := Key("owner/other", tracker.Filter{RequireLabels: []string{"ai", "ready"}, ExcludeLabels: []string{"blocked"}})
	assert.NotEqual(t, a, c, "different repos must not share a cache key")

	d := Key("owner/repo", tracker.Filter{RequireLabels: []string{"ai", "ready"}})
	assert.NotEqual(t, a, d, "different filters must not share a cache key")
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	entry := &Entry{
		Key:        "abc123",
		Tasks:      []tracker.Task{{ID: "7", Title: "do the thing", Labels: []string{"ready"}}},
		FetchedAt:  time.Now().UTC().Truncate(time.Second),
		TTLSeconds: 300,
		ETag:       `"deadbeef"`,
	}
	require.NoError(t, store.Put(entry))

	got, err := store.Get("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Tasks, got.Tasks)
	assert.Equal(t, entry.ETag, got.ETag)
	assert.True(t, entry.FetchedAt.Equal(got.FetchedAt))
}

func TestStoreGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreCorruptEntryTreatedAsMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644))

	got, err := store.Get("bad")
	require.NoError(t, err)
	assert.Nil(t, got, "corrupt entries are refetched, not fatal")
}

func TestStorePutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(&Entry{Key: "k", FetchedAt: time.Now()}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k.json", entries[0].Name())
}

func TestStoreInvalidate(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(&Entry{Key: "k", FetchedAt: time.Now()}))
	require.NoError(t, store.Invalidate("k"))

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Idempotent
	require.NoError(t, store.Invalidate("k"))
}

func TestEntryFresh(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"within ttl", Entry{FetchedAt: now.Add(-10 * time.Second), TTLSeconds: 60}, true},
		{"past ttl", Entry{FetchedAt: now.Add(-120 * time.Second), TTLSeconds: 60}, false},
		{"zero ttl always stale", Entry{FetchedAt: now, TTLSeconds: 0}, false},
		{"exactly at ttl boundary", Entry{FetchedAt: now.Add(-60 * time.Second), TTLSeconds: 60}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Fresh(now))
		})
	}
}
