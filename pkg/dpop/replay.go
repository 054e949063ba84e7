package dpop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultValidityWindow is the default replay window, measured from a
	// proof's iat. 300 seconds per the deployment default.
	DefaultValidityWindow = 5 * time.Minute

	// DefaultClockSkew is the default tolerance for proofs with an iat in
	// the future. 60 seconds per RFC 9449.
	DefaultClockSkew = 60 * time.Second

	// DefaultMaxEntries is the default maximum number of entries in the
	// in-memory guard.
	DefaultMaxEntries = 100_000

	// DefaultCleanupInterval is the default interval for expired entry
	// reclamation.
	DefaultCleanupInterval = 30 * time.Second

	// MaxJTILength is the maximum allowed jti length in bytes.
	MaxJTILength = 1024
)

// Entry is the record kept for each accepted proof, keyed by jti.
type Entry struct {
	JTI string
	JKT string
	HTM string
	HTU string
	IAT int64
}

// ReplayGuard tracks recently-seen proof identifiers and rejects duplicates
// within the validity window. Implementations must be safe for concurrent
// use, and the check-then-insert must be a single atomic operation: two
// proofs with the same jti arriving simultaneously must not both succeed.
//
// CheckAndRecord returns nil when the entry was accepted and recorded, a
// *ProofError with code dpop.expired or dpop.replay for rejections, or an
// internal error for invalid input and storage failures.
type ReplayGuard interface {
	CheckAndRecord(ctx context.Context, entry Entry, now time.Time) error

	// Close stops any background goroutines and releases resources.
	Close() error
}

// checkWindow applies the iat-relative expiry rules shared by all guard
// implementations. Expiry is measured from iat, never from insertion time,
// so clock skew cannot extend a proof's life.
func checkWindow(iat int64, now time.Time, window, skew time.Duration) error {
	if iat <= 0 {
		return ErrMalformedProof("iat must be positive")
	}

	nowUnix := now.Unix()
	age := nowUnix - iat
	maxAge := int64(window.Seconds())
	if age > maxAge {
		return ErrExpired(age, maxAge)
	}
	if iat > nowUnix+int64(skew.Seconds()) {
		return ErrExpired(-(iat - nowUnix), maxAge)
	}
	return nil
}

// guardEntry stores the recorded entry plus its iat-derived expiry.
type guardEntry struct {
	entry     Entry
	expiresAt int64 // Unix seconds, iat + window
}

// MemoryReplayGuard is an in-process ReplayGuard using sync.Map for atomic
// check-and-set. Suitable for single-node deployments; use RedisReplayGuard
// when verification is spread across replicas.
type MemoryReplayGuard struct {
	entries    sync.Map
	entryCount atomic.Int64
	maxEntries int64
	window     time.Duration
	skew       time.Duration

	cleanupInterval time.Duration // 0 means use default, -1 means disabled
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryReplayGuardOption configures a MemoryReplayGuard.
type MemoryReplayGuardOption func(*MemoryReplayGuard)

// WithWindow sets the validity window measured from each proof's iat.
func WithWindow(window time.Duration) MemoryReplayGuardOption {
	return func(g *MemoryReplayGuard) {
		g.window = window
	}
}

// WithClockSkew sets the tolerance for proofs with a future iat.
func WithClockSkew(skew time.Duration) MemoryReplayGuardOption {
	return func(g *MemoryReplayGuard) {
		g.skew = skew
	}
}

// WithMaxEntries sets the maximum number of entries in the guard.
func WithMaxEntries(max int) MemoryReplayGuardOption {
	return func(g *MemoryReplayGuard) {
		g.maxEntries = int64(max)
	}
}

// WithCleanupInterval sets the interval for expired entry reclamation.
// Pass 0 to disable background reclamation.
func WithCleanupInterval(interval time.Duration) MemoryReplayGuardOption {
	return func(g *MemoryReplayGuard) {
		if interval <= 0 {
			g.cleanupInterval = -1 // Disabled
		} else {
			g.cleanupInterval = interval
		}
	}
}

// NewMemoryReplayGuard creates a new in-memory replay guard.
// By default entries expire 5 minutes after their iat, max 100,000 entries,
// with reclamation every 30 seconds.
func NewMemoryReplayGuard(opts ...MemoryReplayGuardOption) *MemoryReplayGuard {
	g := &MemoryReplayGuard{
		window:          DefaultValidityWindow,
		skew:            DefaultClockSkew,
		maxEntries:      DefaultMaxEntries,
		cleanupInterval: 0, // Use default
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.cleanupInterval >= 0 {
		interval := g.cleanupInterval
		if interval == 0 {
			interval = DefaultCleanupInterval
		}
		go g.cleanupLoop(interval)
	} else {
		// No reclamation, close done channel immediately
		close(g.cleanupDone)
	}

	return g
}

// CheckAndRecord validates the entry's iat window and atomically records
// its jti. Uses LoadOrStore and CompareAndSwap so that concurrent calls
// with the same jti accept exactly one.
func (g *MemoryReplayGuard) CheckAndRecord(_ context.Context, entry Entry, now time.Time) error {
	if entry.JTI == "" {
		return ErrInvalidJTI
	}
	if len(entry.JTI) > MaxJTILength {
		return ErrJTITooLong
	}

	if err := checkWindow(entry.IAT, now, g.window, g.skew); err != nil {
		return err
	}

	candidate := &guardEntry{
		entry:     entry,
		expiresAt: entry.IAT + int64(g.window.Seconds()),
	}

	existing, loaded := g.entries.LoadOrStore(entry.JTI, candidate)
	if loaded {
		prev := existing.(*guardEntry)
		if now.Unix() < prev.expiresAt {
			// Unexpired entry with the same jti: replay.
			return ErrReplay()
		}
		// Expired entry, try to replace it atomically.
		if g.entries.CompareAndSwap(entry.JTI, existing, candidate) {
			return nil
		}
		// CAS lost to a concurrent request with the same jti.
		return ErrReplay()
	}

	count := g.entryCount.Add(1)
	if count > g.maxEntries {
		g.entries.Delete(entry.JTI)
		g.entryCount.Add(-1)
		return ErrGuardFull
	}

	return nil
}

// Close stops the reclamation goroutine and releases resources.
func (g *MemoryReplayGuard) Close() error {
	close(g.stopCleanup)
	<-g.cleanupDone
	return nil
}

// cleanupLoop periodically removes expired entries. Reclamation may be
// arbitrarily delayed without correctness impact: expiry is checked by
// timestamp comparison, never by entry absence.
func (g *MemoryReplayGuard) cleanupLoop(interval time.Duration) {
	defer close(g.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCleanup:
			return
		case <-ticker.C:
			g.reclaim(time.Now())
		}
	}
}

// reclaim removes all entries past their expires_at.
func (g *MemoryReplayGuard) reclaim(now time.Time) {
	nowUnix := now.Unix()
	g.entries.Range(func(key, value any) bool {
		ge := value.(*guardEntry)
		if nowUnix >= ge.expiresAt {
			if g.entries.CompareAndDelete(key, value) {
				g.entryCount.Add(-1)
			}
		}
		return true
	})
}

// Len returns the current number of entries (for testing).
func (g *MemoryReplayGuard) Len() int {
	return int(g.entryCount.Load())
}
