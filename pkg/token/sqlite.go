package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/choices-project/dpop-go/pkg/dpop"
)

// DefaultReclamationInterval is how often expired replay-guard entries are
// deleted in the background.
const DefaultReclamationInterval = time.Minute

// SQLiteStore is a SQLite-backed token store. It also implements
// dpop.ReplayGuard: the replay_guard table's primary key on jti makes the
// check-and-record step a single atomic conditional insert.
type SQLiteStore struct {
	db *sql.DB

	window time.Duration
	skew   time.Duration

	stopReclaim chan struct{}
	reclaimDone chan struct{}
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithReplayWindow sets the replay validity window measured from each
// proof's iat.
func WithReplayWindow(window time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.window = window
	}
}

// WithReplayClockSkew sets the tolerance for proofs with a future iat.
func WithReplayClockSkew(skew time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.skew = skew
	}
}

// Open opens or creates a SQLite database at the given path and starts the
// background reclamation loop for expired replay-guard entries.
func Open(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// WAL mode lets readers see committed changes without blocking the
	// writer, which matters when verification and issuance share the file.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Without a busy timeout, concurrent writes immediately return
	// SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		window:      dpop.DefaultValidityWindow,
		skew:        dpop.DefaultClockSkew,
		stopReclaim: make(chan struct{}),
		reclaimDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	go s.reclaimLoop(DefaultReclamationInterval)

	return s, nil
}

// migrate creates the schema if it doesn't exist.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		bound_jkt TEXT DEFAULT '',
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		superseded_at INTEGER,
		previous_token_id TEXT REFERENCES tokens(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_owner ON tokens(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tokens_previous ON tokens(previous_token_id);

	CREATE TABLE IF NOT EXISTS replay_guard (
		jti TEXT PRIMARY KEY,
		jkt TEXT NOT NULL,
		htm TEXT NOT NULL,
		htu TEXT NOT NULL,
		iat INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replay_guard_expires ON replay_guard(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateToken inserts a new token row.
func (s *SQLiteStore) CreateToken(ctx context.Context, t *Token) error {
	var superseded *int64
	if t.SupersededAt != nil {
		v := t.SupersededAt.Unix()
		superseded = &v
	}
	var previous any
	if t.PreviousTokenID != "" {
		previous = t.PreviousTokenID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, owner_id, bound_jkt, issued_at, expires_at, superseded_at, previous_token_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.BoundJKT, t.IssuedAt.Unix(), t.ExpiresAt.Unix(), superseded, previous,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken returns the token with the given ID, or (nil, nil) if absent.
func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, bound_jkt, issued_at, expires_at, superseded_at, previous_token_id
		 FROM tokens WHERE id = ?`, id)

	return scanToken(row)
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var t Token
	var issuedAt, expiresAt int64
	var supersededAt sql.NullInt64
	var previous sql.NullString

	err := row.Scan(&t.ID, &t.OwnerID, &t.BoundJKT, &issuedAt, &expiresAt, &supersededAt, &previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}

	t.IssuedAt = time.Unix(issuedAt, 0).UTC()
	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if supersededAt.Valid {
		ts := time.Unix(supersededAt.Int64, 0).UTC()
		t.SupersededAt = &ts
	}
	if previous.Valid {
		t.PreviousTokenID = previous.String
	}

	return &t, nil
}

// RotateToken atomically supersedes the old token and creates its
// replacement. The transaction guarantees a crash cannot leave the lineage
// chain broken.
func (s *SQLiteStore) RotateToken(ctx context.Context, oldID, newID, newJKT string, now time.Time) (*Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	var ownerID string
	var issuedAt, expiresAt int64
	var supersededAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, issued_at, expires_at, superseded_at FROM tokens WHERE id = ?`, oldID,
	).Scan(&ownerID, &issuedAt, &expiresAt, &supersededAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dpop.ErrTokenNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("load token for rotation: %w", err)
	}
	if supersededAt.Valid {
		return nil, dpop.ErrTokenNotFound()
	}

	// Guard against a concurrent rotation of the same token: the WHERE
	// clause makes the supersede conditional, so only one rotation wins.
	res, err := tx.ExecContext(ctx,
		`UPDATE tokens SET superseded_at = ? WHERE id = ? AND superseded_at IS NULL`,
		now.Unix(), oldID,
	)
	if err != nil {
		return nil, fmt.Errorf("supersede token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("supersede token: %w", err)
	}
	if affected == 0 {
		return nil, dpop.ErrTokenNotFound()
	}

	// The replacement keeps the owner and the original TTL duration,
	// restarted from now.
	ttl := expiresAt - issuedAt
	newToken := &Token{
		ID:              newID,
		OwnerID:         ownerID,
		BoundJKT:        newJKT,
		IssuedAt:        now.UTC(),
		ExpiresAt:       now.Add(time.Duration(ttl) * time.Second).UTC(),
		PreviousTokenID: oldID,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tokens (id, owner_id, bound_jkt, issued_at, expires_at, previous_token_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		newToken.ID, newToken.OwnerID, newToken.BoundJKT,
		newToken.IssuedAt.Unix(), newToken.ExpiresAt.Unix(), oldID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert rotated token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotation: %w", err)
	}

	return newToken, nil
}

// CheckAndRecord implements dpop.ReplayGuard with a single atomic
// conditional insert: the jti primary key rejects duplicates, and the
// conflict clause only overwrites entries already past their expires_at.
func (s *SQLiteStore) CheckAndRecord(ctx context.Context, entry dpop.Entry, now time.Time) error {
	if entry.JTI == "" {
		return dpop.ErrInvalidJTI
	}
	if len(entry.JTI) > dpop.MaxJTILength {
		return dpop.ErrJTITooLong
	}

	nowUnix := now.Unix()
	age := nowUnix - entry.IAT
	maxAge := int64(s.window.Seconds())
	if entry.IAT <= 0 {
		return dpop.ErrMalformedProof("iat must be positive")
	}
	if age > maxAge {
		return dpop.ErrExpired(age, maxAge)
	}
	if entry.IAT > nowUnix+int64(s.skew.Seconds()) {
		return dpop.ErrExpired(-(entry.IAT - nowUnix), maxAge)
	}

	expiresAt := entry.IAT + maxAge
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_guard (jti, jkt, htm, htu, iat, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(jti) DO UPDATE SET
			jkt = excluded.jkt,
			htm = excluded.htm,
			htu = excluded.htu,
			iat = excluded.iat,
			expires_at = excluded.expires_at
		 WHERE replay_guard.expires_at <= ?`,
		entry.JTI, entry.JKT, entry.HTM, entry.HTU, entry.IAT, expiresAt, nowUnix,
	)
	if err != nil {
		return fmt.Errorf("record jti: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record jti: %w", err)
	}
	if affected == 0 {
		// Unexpired entry with the same jti already exists.
		return dpop.ErrReplay()
	}
	return nil
}

// ReapReplayEntries deletes replay-guard entries past their expires_at.
// Returns the number of entries removed. Safe to delay arbitrarily:
// rejection is decided by timestamp comparison, not entry absence.
func (s *SQLiteStore) ReapReplayEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_guard WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("reap replay entries: %w", err)
	}
	return res.RowsAffected()
}

// reclaimLoop periodically reaps expired replay-guard entries.
func (s *SQLiteStore) reclaimLoop(interval time.Duration) {
	defer close(s.reclaimDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopReclaim:
			return
		case <-ticker.C:
			s.ReapReplayEntries(context.Background(), time.Now())
		}
	}
}

// Close stops the reclamation loop and closes the database.
func (s *SQLiteStore) Close() error {
	close(s.stopReclaim)
	<-s.reclaimDone
	return s.db.Close()
}

// Ensure interfaces are implemented
var (
	_ Store            = (*SQLiteStore)(nil)
	_ dpop.ReplayGuard = (*SQLiteStore)(nil)
)
