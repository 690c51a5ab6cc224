// Package keydir maps presented API keys to authoritative project IDs.
//
// Resolution is two-tier: a process-wide cache keyed by SHA-256 of the
// presented key serves the fast path, and a scan over the metadata store's
// verifier hashes (computationally hard pbkdf2) serves the first sighting of
// a key. Both hits and misses are cached; negative entries expire quickly to
// tolerate key rotation.
package keydir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/agentstack/agentstack/internal/model"
)

// Key format: "ak_" followed by at least 24 printable characters.
const (
	keyPrefix = "ak_"
	minKeyLen = 27 // len("ak_") + 24
	maxKeyLen = 128
)

// ProjectKey is one row from the metadata store's key table.
type ProjectKey struct {
	ProjectID    string
	VerifierHash string
}

// Store is the read-only metadata store contract.
type Store interface {
	// LookupAllProjectKeys returns every project's verifier hash.
	// Failures surface as model.ErrUnavailable.
	LookupAllProjectKeys(ctx context.Context) ([]ProjectKey, error)
	Close()
}

type cacheEntry struct {
	projectID string // Empty for a negative entry.
	expiresAt time.Time
	negative  bool
}

// Directory resolves API keys to project IDs with a two-tier cache.
// Safe for concurrent use; reads take a shared lock held for microseconds.
type Directory struct {
	store       Store
	logger      *slog.Logger
	negativeTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates a Directory over the given metadata store.
func New(store Store, negativeTTL time.Duration, logger *slog.Logger) *Directory {
	if negativeTTL <= 0 || negativeTTL > 60*time.Second {
		negativeTTL = 60 * time.Second
	}
	return &Directory{
		store:       store,
		logger:      logger,
		negativeTTL: negativeTTL,
		cache:       make(map[string]cacheEntry),
	}
}

// Resolve maps a presented API key to its project ID.
// Returns model.ErrUnknownKey for malformed or unrecognized keys and
// model.ErrUnavailable when the metadata store cannot be reached. Format
// rejections never touch the cache or the store.
func (d *Directory) Resolve(ctx context.Context, presentedKey string) (string, error) {
	if !wellFormedKey(presentedKey) {
		return "", model.ErrUnknownKey
	}

	fastKey := fastHash(presentedKey)

	d.mu.RLock()
	entry, ok := d.cache[fastKey]
	d.mu.RUnlock()
	if ok && (entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt)) {
		if entry.negative {
			return "", model.ErrUnknownKey
		}
		return entry.projectID, nil
	}

	// Slow path: scan all verifier hashes. Runs once per distinct key until
	// the cache entry expires (positive entries never expire in-process).
	keys, err := d.store.LookupAllProjectKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("keydir: lookup project keys: %w", err)
	}

	for _, pk := range keys {
		match, err := VerifyKey(presentedKey, pk.VerifierHash)
		if err != nil {
			d.logger.Warn("keydir: skipping corrupt verifier hash", "project_id", pk.ProjectID, "error", err)
			continue
		}
		if match {
			d.mu.Lock()
			d.cache[fastKey] = cacheEntry{projectID: pk.ProjectID}
			d.mu.Unlock()
			return pk.ProjectID, nil
		}
	}

	d.mu.Lock()
	d.cache[fastKey] = cacheEntry{negative: true, expiresAt: time.Now().Add(d.negativeTTL)}
	d.mu.Unlock()
	return "", model.ErrUnknownKey
}

// Invalidate drops a cached key (e.g. on project deletion). A nil-safe no-op
// for keys never seen.
func (d *Directory) Invalidate(presentedKey string) {
	d.mu.Lock()
	delete(d.cache, fastHash(presentedKey))
	d.mu.Unlock()
}

// CacheLen returns the number of cached entries. Exposed for metrics.
func (d *Directory) CacheLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

func wellFormedKey(k string) bool {
	if len(k) < minKeyLen || len(k) > maxKeyLen {
		return false
	}
	if k[:len(keyPrefix)] != keyPrefix {
		return false
	}
	for _, r := range k {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func fastHash(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}
