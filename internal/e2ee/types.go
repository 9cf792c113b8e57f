package e2ee

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"fmt"
	"time"
)

// Participants identifies the four-tuple a ratchet session is keyed by (§3).
type Participants struct {
	UserID       int64
	LocalDevice  string
	PeerUserID   int64
	PeerDevice   string
}

// SessionID returns the "senderUser:senderDevice:peerUser:peerDevice" key.
func (p Participants) SessionID() string {
	return fmt.Sprintf("%d:%s:%d:%s", p.UserID, p.LocalDevice, p.PeerUserID, p.PeerDevice)
}

// RecipientAddress formats the "userID:deviceID" wrappedKeys/envelope key.
func RecipientAddress(userID int64, deviceID string) string {
	return fmt.Sprintf("%d:%s", userID, deviceID)
}

// SignedPreKeyRecord is one entry in an identity's signed pre-key history.
type SignedPreKeyRecord struct {
	KeyID     uint32
	CreatedAt time.Time
	Private   *ecdh.PrivateKey
	Public    *ecdh.PublicKey
	Signature []byte // raw64, over canonicalSignedPreKeyPayload(Public)
}

// OneTimePreKeyRecord is a single-use ECDH pair, consumed at most once.
type OneTimePreKeyRecord struct {
	KeyID   uint32
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// IdentityRecord is the per-(user) long-lived key material (§3).
type IdentityRecord struct {
	UserID   int64
	DeviceID string

	IdentityPrivate *ecdh.PrivateKey
	IdentityPublic  *ecdh.PublicKey

	SigningPrivate *ecdsa.PrivateKey
	SigningPublic  *ecdsa.PublicKey

	SignedPreKeys        []*SignedPreKeyRecord // oldest -> newest
	ActiveSignedPreKeyID uint32

	OneTimePreKeys      map[uint32]*OneTimePreKeyRecord
	NextOneTimePreKeyID uint32

	UpdatedAt time.Time
}

// ActiveSignedPreKey returns the history entry matching ActiveSignedPreKeyID, or nil.
func (r *IdentityRecord) ActiveSignedPreKey() *SignedPreKeyRecord {
	return r.FindSignedPreKey(r.ActiveSignedPreKeyID)
}

// FindSignedPreKey is the §4.3 read accessor.
func (r *IdentityRecord) FindSignedPreKey(keyID uint32) *SignedPreKeyRecord {
	for _, spk := range r.SignedPreKeys {
		if spk.KeyID == keyID {
			return spk
		}
	}
	return nil
}

// FindOneTimePreKey is the §4.3 read accessor.
func (r *IdentityRecord) FindOneTimePreKey(keyID uint32) *OneTimePreKeyRecord {
	return r.OneTimePreKeys[keyID]
}

func (r *IdentityRecord) maxSignedPreKeyID() uint32 {
	var max uint32
	for _, spk := range r.SignedPreKeys {
		if spk.KeyID > max {
			max = spk.KeyID
		}
	}
	return max
}

// PreKeyMessageHeader is the metadata an initiator attaches to its first
// outgoing messages so a responder can bootstrap the same master secret (§4.4).
type PreKeyMessageHeader struct {
	IdentityKey              *ecdh.PublicKey
	IdentitySigningPublicKey *ecdsa.PublicKey
	EphemeralKey             *ecdh.PublicKey
	SignedPreKeyID           uint32
	OneTimePreKeyID          *uint32
	PreKeyBundleUpdatedAt    time.Time
}

func clonePreKeyMessageHeader(h *PreKeyMessageHeader) *PreKeyMessageHeader {
	if h == nil {
		return nil
	}
	out := *h
	if h.OneTimePreKeyID != nil {
		id := *h.OneTimePreKeyID
		out.OneTimePreKeyID = &id
	}
	return &out
}

// WrappedKey is one recipient's entry in an envelope's wrappedKeys map (§6).
type WrappedKey struct {
	IV                  []byte
	WrappedKey          []byte
	RatchetDHPublicKey  *ecdh.PublicKey
	MessageNumber       uint32
	PreviousChainLength uint32
	SessionVersion      int
	PreKeyMessage       *PreKeyMessageHeader
}

// Envelope is the version-3 signed cipher payload (§3).
type Envelope struct {
	Ciphertext             []byte
	MessageIV              []byte
	WrappedKeys            map[string]*WrappedKey
	SenderPublicKey        *ecdh.PublicKey
	SenderSigningPublicKey *ecdsa.PublicKey
	SenderDeviceID         string
	ContentType            string
	EncryptionScheme       string
	Signature              []byte
}

// RatchetSession is the per-peer-device double-ratchet state (§3).
type RatchetSession struct {
	Participants Participants
	Status       string // "ready" only

	RootKey      [32]byte
	SendChainKey [32]byte
	RecvChainKey [32]byte

	SendCount         uint32
	RecvCount         uint32
	PreviousSendCount uint32

	Skipped *skippedCache

	DHSendPrivate *ecdh.PrivateKey
	DHSendPublic  *ecdh.PublicKey
	DHRecvPublic  *ecdh.PublicKey

	PeerIdentityKey *ecdh.PublicKey
	PeerSigningKey  *ecdsa.PublicKey

	PendingPreKey *PreKeyMessageHeader
	IsSelfSession bool

	UpdatedAt time.Time
}

func cloneSession(s *RatchetSession) *RatchetSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Skipped = s.Skipped.clone()
	out.PendingPreKey = clonePreKeyMessageHeader(s.PendingPreKey)
	return &out
}

func cloneIdentity(r *IdentityRecord) *IdentityRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.SignedPreKeys = append([]*SignedPreKeyRecord(nil), r.SignedPreKeys...)
	out.OneTimePreKeys = make(map[uint32]*OneTimePreKeyRecord, len(r.OneTimePreKeys))
	for k, v := range r.OneTimePreKeys {
		out.OneTimePreKeys[k] = v
	}
	return &out
}

// skippedKey identifies one cached skipped message key by the remote DH
// fingerprint in force when it was derived and its chain position.
type skippedKey struct {
	fingerprint string
	number      uint32
}

// skippedCache is an insertion-ordered, size-bounded map of skipped message
// keys (§4.5, §5, P10): oldest entries are evicted once it exceeds
// DRMaxSkippedCache.
type skippedCache struct {
	order []skippedKey
	data  map[skippedKey][]byte
}

func newSkippedCache() *skippedCache {
	return &skippedCache{data: make(map[skippedKey][]byte)}
}

func (c *skippedCache) clone() *skippedCache {
	out := newSkippedCache()
	if c == nil {
		return out
	}
	out.order = append([]skippedKey(nil), c.order...)
	for k, v := range c.data {
		cp := append([]byte(nil), v...)
		out.data[k] = cp
	}
	return out
}

func (c *skippedCache) Len() int { return len(c.data) }

func (c *skippedCache) Get(fingerprint string, number uint32) ([]byte, bool) {
	v, ok := c.data[skippedKey{fingerprint, number}]
	return v, ok
}

func (c *skippedCache) Delete(fingerprint string, number uint32) {
	k := skippedKey{fingerprint, number}
	if _, ok := c.data[k]; !ok {
		return
	}
	delete(c.data, k)
	for i, o := range c.order {
		if o == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Put inserts or overwrites a skipped key and evicts the oldest entries
// until the cache is back within DRMaxSkippedCache.
func (c *skippedCache) Put(fingerprint string, number uint32, key []byte) {
	k := skippedKey{fingerprint, number}
	if _, exists := c.data[k]; !exists {
		c.order = append(c.order, k)
	}
	c.data[k] = key
	for len(c.data) > DRMaxSkippedCache {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
}

// Pre-key bundle wire shapes (§6), as exposed by an external bundle resolver.

type SignedPreKeyBundleEntry struct {
	KeyID     uint32
	PublicKey *ecdh.PublicKey
	Signature []byte
}

type OneTimePreKeyBundleEntry struct {
	KeyID     uint32
	PublicKey *ecdh.PublicKey
}

// DeviceBundle is one device's public pre-key material as published by the
// pre-key-bundle directory.
type DeviceBundle struct {
	DeviceID                 string
	UserID                   int64
	IdentityKey              *ecdh.PublicKey
	IdentitySigningPublicKey *ecdsa.PublicKey
	SignedPreKey             SignedPreKeyBundleEntry
	OneTimePreKey            *OneTimePreKeyBundleEntry
	UpdatedAt                time.Time
}

// BundleList is the §6 "Pre-key bundle list" resolver response.
type BundleList struct {
	UserID    int64
	Username  string
	Devices   []DeviceBundle
	UpdatedAt time.Time
}

// PreKeyBundleUpload is the public-only upload §4.3's toSignalPreKeyBundleUpload produces.
type PreKeyBundleUpload struct {
	UserID                   int64
	DeviceID                 string
	IdentityKey              *ecdh.PublicKey
	IdentitySigningPublicKey *ecdsa.PublicKey
	SignedPreKey             SignedPreKeyBundleEntry
	OneTimePreKeys           []OneTimePreKeyBundleEntry
}

// BundleResolver fetches a user's published pre-key bundle list; the
// concrete implementation (HTTP call to internal/directory, a test double,
// ...) is supplied by the caller of the orchestrator (§4.7).
type BundleResolver func(ctx context.Context, userID int64) (*BundleList, error)
