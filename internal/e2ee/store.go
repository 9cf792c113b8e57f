package e2ee

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// SecureStore persists identity and ratchet-session records (§4.2). Every
// method is bounded by storeOpenTimeout internally; callers never block
// past it. A missing record is (nil, nil), never an error.
type SecureStore interface {
	ReadIdentity(ctx context.Context, userID int64) (*IdentityRecord, error)
	WriteIdentity(ctx context.Context, rec *IdentityRecord) error
	ReadSession(ctx context.Context, p Participants) (*RatchetSession, error)
	WriteSession(ctx context.Context, s *RatchetSession) error
	DeleteSession(ctx context.Context, p Participants) error
	DeleteAllSessionsForUser(ctx context.Context, userID int64) error
}

// mirror is the process-lifetime in-memory view every concrete store
// consults first on read and updates first on write (§4.2, §5, §9's
// "global mutable caches" note): it is owned by the store, not a package
// global, so tests constructing a fresh store get a fresh mirror.
type mirror struct {
	mu         sync.RWMutex
	identities map[int64]*IdentityRecord
	sessions   map[string]*RatchetSession
}

func newMirror() *mirror {
	return &mirror{
		identities: make(map[int64]*IdentityRecord),
		sessions:   make(map[string]*RatchetSession),
	}
}

func (m *mirror) getIdentity(userID int64) (*IdentityRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.identities[userID]
	if !ok {
		return nil, false
	}
	return cloneIdentity(rec), true
}

func (m *mirror) putIdentity(rec *IdentityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[rec.UserID] = cloneIdentity(rec)
}

func (m *mirror) getSession(id string) (*RatchetSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

func (m *mirror) putSession(s *RatchetSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Participants.SessionID()] = cloneSession(s)
}

func (m *mirror) deleteSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *mirror) deleteAllSessionsForUser(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.Participants.UserID == userID {
			delete(m.sessions, id)
		}
	}
}

// --- JWK-only wire codec (§4.2's on-disk shape (b); this module always
// persists shape (b) since Go key types hold no non-extractable handle). ---

type wireSignedPreKey struct {
	KeyID     uint32                 `json:"keyId"`
	CreatedAt string                 `json:"createdAt"`
	PublicJwk map[string]interface{} `json:"publicKeyJwk"`
	PrivateD  string                 `json:"privateKeyD"`
	Signature string                 `json:"signature"`
}

type wireOneTimePreKey struct {
	KeyID    uint32 `json:"keyId"`
	PrivateD string `json:"privateKeyD"`
}

type wireIdentity struct {
	UserID               int64               `json:"userId"`
	DeviceID             string              `json:"deviceId"`
	IdentityPrivateD     string              `json:"identityPrivateD"`
	SigningPrivateD      string              `json:"signingPrivateD"`
	SignedPreKeys        []wireSignedPreKey  `json:"signedPreKeys"`
	ActiveSignedPreKeyID uint32              `json:"activeSignedPreKeyId"`
	OneTimePreKeys       []wireOneTimePreKey `json:"oneTimePreKeys"`
	NextOneTimePreKeyID  uint32              `json:"nextOneTimePreKeyId"`
	UpdatedAt            string              `json:"updatedAt"`
}

func scalarToB64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func scalarFromB64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

func ecdhPrivateFromScalar(raw []byte) (*ecdh.PrivateKey, error) {
	return ecdh.P256().NewPrivateKey(raw)
}

func ecdsaPrivateFromScalar(raw []byte) *ecdsa.PrivateKey {
	d := new(big.Int).SetBytes(raw)
	pub := ecdsaPublicKeyFromScalar(d)
	return &ecdsa.PrivateKey{PublicKey: *pub, D: d}
}

func encodeIdentityRecord(rec *IdentityRecord) ([]byte, error) {
	w := wireIdentity{
		UserID:               rec.UserID,
		DeviceID:             rec.DeviceID,
		IdentityPrivateD:     scalarToB64(rec.IdentityPrivate.Bytes()),
		SigningPrivateD:      scalarToB64(rec.SigningPrivate.D.Bytes()),
		ActiveSignedPreKeyID: rec.ActiveSignedPreKeyID,
		NextOneTimePreKeyID:  rec.NextOneTimePreKeyID,
		UpdatedAt:            rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, spk := range rec.SignedPreKeys {
		w.SignedPreKeys = append(w.SignedPreKeys, wireSignedPreKey{
			KeyID:     spk.KeyID,
			CreatedAt: spk.CreatedAt.UTC().Format(time.RFC3339),
			PublicJwk: ecdhPublicJWKMap(spk.Public),
			PrivateD:  scalarToB64(spk.Private.Bytes()),
			Signature: base64.StdEncoding.EncodeToString(spk.Signature),
		})
	}
	for _, otp := range rec.OneTimePreKeys {
		w.OneTimePreKeys = append(w.OneTimePreKeys, wireOneTimePreKey{
			KeyID:    otp.KeyID,
			PrivateD: scalarToB64(otp.Private.Bytes()),
		})
	}
	return json.Marshal(w)
}

func decodeIdentityRecord(raw []byte) (*IdentityRecord, error) {
	var w wireIdentity
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("e2ee: decode identity record: %w", err)
	}
	identityScalar, err := scalarFromB64(w.IdentityPrivateD)
	if err != nil {
		return nil, err
	}
	identityPriv, err := ecdhPrivateFromScalar(identityScalar)
	if err != nil {
		return nil, fmt.Errorf("e2ee: identity key not on P-256: %w", err)
	}
	signingScalar, err := scalarFromB64(w.SigningPrivateD)
	if err != nil {
		return nil, err
	}
	signingPriv := ecdsaPrivateFromScalar(signingScalar)

	rec := &IdentityRecord{
		UserID:               w.UserID,
		DeviceID:             w.DeviceID,
		IdentityPrivate:      identityPriv,
		IdentityPublic:       identityPriv.PublicKey(),
		SigningPrivate:       signingPriv,
		SigningPublic:        &signingPriv.PublicKey,
		ActiveSignedPreKeyID: w.ActiveSignedPreKeyID,
		OneTimePreKeys:       make(map[uint32]*OneTimePreKeyRecord, len(w.OneTimePreKeys)),
		NextOneTimePreKeyID:  w.NextOneTimePreKeyID,
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, w.UpdatedAt)

	for _, wspk := range w.SignedPreKeys {
		scalar, err := scalarFromB64(wspk.PrivateD)
		if err != nil {
			return nil, err
		}
		priv, err := ecdhPrivateFromScalar(scalar)
		if err != nil {
			continue // non-P-256 history entries are dropped, not fatal
		}
		sig, err := base64.StdEncoding.DecodeString(wspk.Signature)
		if err != nil {
			return nil, err
		}
		createdAt, _ := time.Parse(time.RFC3339, wspk.CreatedAt)
		rec.SignedPreKeys = append(rec.SignedPreKeys, &SignedPreKeyRecord{
			KeyID:     wspk.KeyID,
			CreatedAt: createdAt,
			Private:   priv,
			Public:    priv.PublicKey(),
			Signature: sig,
		})
	}
	for _, wotp := range w.OneTimePreKeys {
		scalar, err := scalarFromB64(wotp.PrivateD)
		if err != nil {
			return nil, err
		}
		priv, err := ecdhPrivateFromScalar(scalar)
		if err != nil {
			continue
		}
		rec.OneTimePreKeys[wotp.KeyID] = &OneTimePreKeyRecord{KeyID: wotp.KeyID, Private: priv, Public: priv.PublicKey()}
	}

	if rec.IdentityPrivate == nil || rec.SigningPrivate == nil {
		return nil, fmt.Errorf("%w: missing key material", ErrIdentityCorrupt)
	}
	return rec, nil
}

type wirePreKeyHeader struct {
	IdentityKeyJwk              map[string]interface{} `json:"identityKeyJwk"`
	IdentitySigningPublicKeyJwk map[string]interface{} `json:"identitySigningPublicKeyJwk,omitempty"`
	EphemeralKeyJwk             map[string]interface{} `json:"ephemeralKeyJwk"`
	SignedPreKeyID              uint32                 `json:"signedPreKeyId"`
	OneTimePreKeyID             *uint32                `json:"oneTimePreKeyId,omitempty"`
	PreKeyBundleUpdatedAt       string                 `json:"preKeyBundleUpdatedAt,omitempty"`
}

type wireSession struct {
	UserID            int64              `json:"userId"`
	LocalDevice       string             `json:"localDevice"`
	PeerUserID        int64              `json:"peerUserId"`
	PeerDevice        string             `json:"peerDevice"`
	Status            string             `json:"status"`
	RootKey           string             `json:"rootKey"`
	SendChainKey      string             `json:"sendChainKey"`
	RecvChainKey      string             `json:"recvChainKey"`
	SendCount         uint32             `json:"sendCount"`
	RecvCount         uint32             `json:"recvCount"`
	PreviousSendCount uint32             `json:"previousSendCount"`
	Skipped           []wireSkippedEntry `json:"skipped"`
	DHSendPrivateD    string             `json:"dhSendPrivateD"`
	DHRecvPublicJwk   map[string]interface{} `json:"dhRecvPublicJwk,omitempty"`
	PeerIdentityJwk   map[string]interface{} `json:"peerIdentityKeyJwk,omitempty"`
	PeerSigningJwk    map[string]interface{} `json:"peerSigningPublicKeyJwk,omitempty"`
	PendingPreKey     *wirePreKeyHeader  `json:"pendingPreKey,omitempty"`
	IsSelfSession     bool               `json:"isSelfSession"`
	UpdatedAt         string             `json:"updatedAt"`
}

type wireSkippedEntry struct {
	Fingerprint string `json:"fingerprint"`
	Number      uint32 `json:"number"`
	Key         string `json:"key"`
}

func jwkMapFromECDH(pub *ecdh.PublicKey) map[string]interface{} {
	if pub == nil {
		return nil
	}
	return ecdhPublicJWKMap(pub)
}

func ecdhFromJWKMap(m map[string]interface{}) (*ecdh.PublicKey, error) {
	if m == nil {
		return nil, nil
	}
	if crv, _ := m["crv"].(string); crv != "P-256" {
		return nil, fmt.Errorf("e2ee: jwk curve %q is not P-256", crv)
	}
	xs, _ := m["x"].(string)
	ys, _ := m["y"].(string)
	x, err := base64.RawURLEncoding.DecodeString(xs)
	if err != nil {
		return nil, err
	}
	y, err := base64.RawURLEncoding.DecodeString(ys)
	if err != nil {
		return nil, err
	}
	point := append([]byte{0x04}, append(leftPad32(x), leftPad32(y)...)...)
	return ecdh.P256().NewPublicKey(point)
}

func jwkMapFromECDSA(pub *ecdsa.PublicKey) map[string]interface{} {
	if pub == nil {
		return nil
	}
	return ecdsaPublicJWKMap(pub)
}

func ecdsaFromJWKMap(m map[string]interface{}) (*ecdsa.PublicKey, error) {
	pub, err := ecdhFromJWKMap(m)
	if err != nil || pub == nil {
		return nil, err
	}
	return ecdhPublicToECDSA(pub)
}

func encodePreKeyHeader(h *PreKeyMessageHeader) *wirePreKeyHeader {
	if h == nil {
		return nil
	}
	out := &wirePreKeyHeader{
		IdentityKeyJwk:              jwkMapFromECDH(h.IdentityKey),
		IdentitySigningPublicKeyJwk: jwkMapFromECDSA(h.IdentitySigningPublicKey),
		EphemeralKeyJwk:             jwkMapFromECDH(h.EphemeralKey),
		SignedPreKeyID:              h.SignedPreKeyID,
		OneTimePreKeyID:             h.OneTimePreKeyID,
	}
	if !h.PreKeyBundleUpdatedAt.IsZero() {
		out.PreKeyBundleUpdatedAt = h.PreKeyBundleUpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func decodePreKeyHeader(w *wirePreKeyHeader) (*PreKeyMessageHeader, error) {
	if w == nil {
		return nil, nil
	}
	idKey, err := ecdhFromJWKMap(w.IdentityKeyJwk)
	if err != nil {
		return nil, err
	}
	ek, err := ecdhFromJWKMap(w.EphemeralKeyJwk)
	if err != nil {
		return nil, err
	}
	signingKey, err := ecdsaFromJWKMap(w.IdentitySigningPublicKeyJwk)
	if err != nil {
		return nil, err
	}
	h := &PreKeyMessageHeader{
		IdentityKey:              idKey,
		IdentitySigningPublicKey: signingKey,
		EphemeralKey:             ek,
		SignedPreKeyID:           w.SignedPreKeyID,
		OneTimePreKeyID:          w.OneTimePreKeyID,
	}
	if w.PreKeyBundleUpdatedAt != "" {
		h.PreKeyBundleUpdatedAt, _ = time.Parse(time.RFC3339, w.PreKeyBundleUpdatedAt)
	}
	return h, nil
}

func encodeSession(s *RatchetSession) ([]byte, error) {
	w := wireSession{
		UserID:            s.Participants.UserID,
		LocalDevice:       s.Participants.LocalDevice,
		PeerUserID:        s.Participants.PeerUserID,
		PeerDevice:        s.Participants.PeerDevice,
		Status:            s.Status,
		RootKey:           scalarToB64(s.RootKey[:]),
		SendChainKey:      scalarToB64(s.SendChainKey[:]),
		RecvChainKey:      scalarToB64(s.RecvChainKey[:]),
		SendCount:         s.SendCount,
		RecvCount:         s.RecvCount,
		PreviousSendCount: s.PreviousSendCount,
		DHSendPrivateD:    scalarToB64(s.DHSendPrivate.Bytes()),
		DHRecvPublicJwk:   jwkMapFromECDH(s.DHRecvPublic),
		PeerIdentityJwk:   jwkMapFromECDH(s.PeerIdentityKey),
		PeerSigningJwk:    jwkMapFromECDSA(s.PeerSigningKey),
		PendingPreKey:     encodePreKeyHeader(s.PendingPreKey),
		IsSelfSession:     s.IsSelfSession,
		UpdatedAt:         s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.Skipped != nil {
		for _, k := range s.Skipped.order {
			key, _ := s.Skipped.Get(k.fingerprint, k.number)
			w.Skipped = append(w.Skipped, wireSkippedEntry{
				Fingerprint: k.fingerprint,
				Number:      k.number,
				Key:         scalarToB64(key),
			})
		}
	}
	return json.Marshal(w)
}

func decodeSession(raw []byte) (*RatchetSession, error) {
	var w wireSession
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("e2ee: decode session record: %w", err)
	}
	rootB, err := scalarFromB64(w.RootKey)
	if err != nil {
		return nil, err
	}
	sendB, err := scalarFromB64(w.SendChainKey)
	if err != nil {
		return nil, err
	}
	recvB, err := scalarFromB64(w.RecvChainKey)
	if err != nil {
		return nil, err
	}
	dhSendScalar, err := scalarFromB64(w.DHSendPrivateD)
	if err != nil {
		return nil, err
	}
	dhSendPriv, err := ecdhPrivateFromScalar(dhSendScalar)
	if err != nil {
		return nil, fmt.Errorf("e2ee: session dh key not on P-256: %w", err)
	}
	dhRecvPub, err := ecdhFromJWKMap(w.DHRecvPublicJwk)
	if err != nil {
		return nil, err
	}
	peerIdentity, err := ecdhFromJWKMap(w.PeerIdentityJwk)
	if err != nil {
		return nil, err
	}
	peerSigning, err := ecdsaFromJWKMap(w.PeerSigningJwk)
	if err != nil {
		return nil, err
	}
	pendingPreKey, err := decodePreKeyHeader(w.PendingPreKey)
	if err != nil {
		return nil, err
	}

	s := &RatchetSession{
		Participants: Participants{
			UserID:      w.UserID,
			LocalDevice: w.LocalDevice,
			PeerUserID:  w.PeerUserID,
			PeerDevice:  w.PeerDevice,
		},
		Status:            w.Status,
		SendCount:         w.SendCount,
		RecvCount:         w.RecvCount,
		PreviousSendCount: w.PreviousSendCount,
		Skipped:           newSkippedCache(),
		DHSendPrivate:     dhSendPriv,
		DHSendPublic:      dhSendPriv.PublicKey(),
		DHRecvPublic:      dhRecvPub,
		PeerIdentityKey:   peerIdentity,
		PeerSigningKey:    peerSigning,
		PendingPreKey:     pendingPreKey,
		IsSelfSession:     w.IsSelfSession,
	}
	copy(s.RootKey[:], rootB)
	copy(s.SendChainKey[:], sendB)
	copy(s.RecvChainKey[:], recvB)
	for _, e := range w.Skipped {
		key, err := scalarFromB64(e.Key)
		if err != nil {
			return nil, err
		}
		s.Skipped.Put(e.Fingerprint, e.Number, key)
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339, w.UpdatedAt)
	return s, nil
}
