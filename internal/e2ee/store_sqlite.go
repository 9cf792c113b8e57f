package e2ee

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS identities (
	user_id    INTEGER PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ratchet_sessions (
	session_id  TEXT PRIMARY KEY,
	local_user  INTEGER NOT NULL,
	record      TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ratchet_sessions_local_user_idx ON ratchet_sessions(local_user);
`

// SQLiteStore is the client-local SecureStore (§4.2), the natural backing
// store for a chat client's own device. It always persists the JWK-only
// shape (b); the in-memory mirror is consulted first on every read and
// updated first on every write, so a failing disk never loses session
// usability within the process lifetime.
type SQLiteStore struct {
	db     *sql.DB
	mirror *mirror
	logger *log.Logger
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed secure store at
// path. Open is bounded by storeOpenTimeout (§4.2).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: single writer, matches file-lock semantics

	ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate sqlite schema: %v", ErrStoreUnavailable, err)
	}

	return &SQLiteStore{
		db:     db,
		mirror: newMirror(),
		logger: log.New(os.Stdout, "[E2EE-STORE] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ReadIdentity(ctx context.Context, userID int64) (*IdentityRecord, error) {
	if rec, ok := s.mirror.getIdentity(userID); ok {
		return rec, nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM identities WHERE user_id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read identity %d: %v", ErrStoreUnavailable, userID, err)
	}
	rec, err := decodeIdentityRecord([]byte(raw))
	if err != nil {
		s.logger.Printf("stale identity record for user %d rejected: %v", userID, err)
		return nil, nil
	}
	s.mirror.putIdentity(rec)
	return cloneIdentity(rec), nil
}

func (s *SQLiteStore) WriteIdentity(ctx context.Context, rec *IdentityRecord) error {
	s.mirror.putIdentity(rec)
	raw, err := encodeIdentityRecord(rec)
	if err != nil {
		return fmt.Errorf("e2ee: encode identity %d: %w", rec.UserID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (user_id, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		rec.UserID, raw, rec.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Printf("identity write for user %d fell back to in-memory mirror only: %v", rec.UserID, err)
		return fmt.Errorf("%w: write identity %d: %v", ErrStoreUnavailable, rec.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) ReadSession(ctx context.Context, p Participants) (*RatchetSession, error) {
	id := p.SessionID()
	if sess, ok := s.mirror.getSession(id); ok {
		return sess, nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM ratchet_sessions WHERE session_id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read session %s: %v", ErrStoreUnavailable, id, err)
	}
	sess, err := decodeSession([]byte(raw))
	if err != nil {
		s.logger.Printf("stale session record %s rejected: %v", id, err)
		return nil, nil
	}
	s.mirror.putSession(sess)
	return cloneSession(sess), nil
}

func (s *SQLiteStore) WriteSession(ctx context.Context, sess *RatchetSession) error {
	s.mirror.putSession(sess)
	raw, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("e2ee: encode session %s: %w", sess.Participants.SessionID(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()
	id := sess.Participants.SessionID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ratchet_sessions (session_id, local_user, record, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		id, sess.Participants.UserID, raw, sess.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Printf("session write for %s fell back to in-memory mirror only: %v", id, err)
		return fmt.Errorf("%w: write session %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, p Participants) error {
	id := p.SessionID()
	s.mirror.deleteSession(id)
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ratchet_sessions WHERE session_id = ?`, id); err != nil {
		s.logger.Printf("delete session %s failed silently: %v", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAllSessionsForUser(ctx context.Context, userID int64) error {
	s.mirror.deleteAllSessionsForUser(userID)
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ratchet_sessions WHERE local_user = ?`, userID); err != nil {
		s.logger.Printf("delete all sessions for user %d failed silently: %v", userID, err)
	}
	return nil
}
