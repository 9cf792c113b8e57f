package e2ee

import (
	"context"
	"sync"
)

// memStore is a bare in-memory SecureStore double for tests: it exercises
// the same encode/decode round trip concrete stores use (so a bug in
// encodeSession/decodeSession shows up here too) without touching disk.
type memStore struct {
	mu         sync.Mutex
	identities map[int64][]byte
	sessions   map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		identities: make(map[int64][]byte),
		sessions:   make(map[string][]byte),
	}
}

func (s *memStore) ReadIdentity(ctx context.Context, userID int64) (*IdentityRecord, error) {
	s.mu.Lock()
	raw, ok := s.identities[userID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeIdentityRecord(raw)
}

func (s *memStore) WriteIdentity(ctx context.Context, rec *IdentityRecord) error {
	raw, err := encodeIdentityRecord(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.identities[rec.UserID] = raw
	s.mu.Unlock()
	return nil
}

func (s *memStore) ReadSession(ctx context.Context, p Participants) (*RatchetSession, error) {
	s.mu.Lock()
	raw, ok := s.sessions[p.SessionID()]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(raw)
}

func (s *memStore) WriteSession(ctx context.Context, sess *RatchetSession) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[sess.Participants.SessionID()] = raw
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteSession(ctx context.Context, p Participants) error {
	s.mu.Lock()
	delete(s.sessions, p.SessionID())
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteAllSessionsForUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	for id, raw := range s.sessions {
		sess, err := decodeSession(raw)
		if err == nil && sess.Participants.UserID == userID {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	return nil
}
