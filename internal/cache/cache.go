// Package cache persists fetched task snapshots so selection keeps
// working across process restarts and network outages. Writes are atomic
// (write-new-then-replace), so a crash mid-write can never corrupt the
// on-disk file, and a concurrent reader sees either the old complete
// snapshot or the new one, never a mixture.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/tracker"
)

// Entry is one cached snapshot, keyed by repo plus filter signature.
type Entry struct {
	Key        string         `json:"key"`
	Tasks      []tracker.Task `json:"tasks"`
	FetchedAt  time.Time      `json:"fetched_at"`
	TTLSeconds int            `json:"ttl_seconds"`
	ETag       string         `json:"etag,omitempty"`
	// Rate-limit metadata observed on the fetch that produced this entry.
	RateRemaining int       `json:"rate_remaining,omitempty"`
	RateResetAt   time.Time `json:"rate_reset_at,omitempty"`
}

// Fresh reports whether the entry is still within its TTL at the given
// time. A TTL of zero means the entry is always stale (refresh every
// selection) while still being usable as a network-failure fallback.
func (e *Entry) Fresh(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.FetchedAt) <= time.Duration(e.TTLSeconds)*time.Second
}

// Age returns how old the entry is at the given time.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Store is a durable key→Entry mapping backed by one JSON file per key
// under a cache directory.
type Store struct {
	dir string
}

// NewStore creates a cache store rooted at dir, creating the directory
// if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Key derives the cache key for a repo and filter combination. The
// filter's label sets are sorted first so logically identical filters
// share one entry regardless of configuration order.
func Key(repo string, filter tracker.Filter) string {
	require := append([]string(nil), filter.RequireLabels...)
	exclude := append([]string(nil), filter.ExcludeLabels...)
	sort.Strings(require)
	sort.Strings(exclude)

	signature := fmt.Sprintf("%s|require=%s|exclude=%s|skipdrafts=%t",
		repo, strings.Join(require, ","), strings.Join(exclude, ","), filter.SkipDrafts)
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:16])
}

// Get loads the entry for the key, returning (nil, nil) when no entry
// exists. A corrupt entry is treated as missing rather than fatal: the
// caller refetches and overwrites it.
func (s *Store) Get(key string) (*Entry, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		logger.Warn("Discarding corrupt cache entry %s: %v", key, err)
		return nil, nil
	}
	return &entry, nil
}

// Put persists the entry atomically: the JSON is written to a temporary
// file in the same directory and renamed over the destination, so a
// reader never observes a partially written entry.
func (s *Store) Put(entry *Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache entry key is required")
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	dest := s.path(entry.Key)
	tmp, err := os.CreateTemp(s.dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}

	logger.Debug("Cache entry %s written (%d tasks, ttl=%ds)", entry.Key, len(entry.Tasks), entry.TTLSeconds)
	return nil
}

// Invalidate removes the entry for the key. Missing entries are not an
// error; invalidation is idempotent.
func (s *Store) Invalidate(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
