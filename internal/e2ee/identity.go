package e2ee

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

func nowUTC() time.Time { return time.Now().UTC() }

// IdentityManager generates, rotates, and vends identity keys, signed
// pre-keys, and one-time pre-keys for a single local user (C3, §4.3).
type IdentityManager struct {
	store  SecureStore
	logger *log.Logger
}

func NewIdentityManager(store SecureStore) *IdentityManager {
	return &IdentityManager{
		store:  store,
		logger: log.New(os.Stdout, "[E2EE-IDENTITY] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

func generateECDHKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate P-256 ECDH key: %w", err)
	}
	return priv, nil
}

func generateECDSAKeyPair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate P-256 signing key: %w", err)
	}
	return priv, nil
}

func signSignedPreKey(signingPriv *ecdsa.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	payload := canonicalSignedPreKeyPayload(pub)
	return signRaw64(signingPriv, payload)
}

// VerifySignedPreKeyBundle verifies a signed pre-key's signature under the
// identity's signing public key; exposed standalone so callers such as
// internal/directory can reject malformed uploads before X3DH ever runs.
func VerifySignedPreKeyBundle(signingPub *ecdsa.PublicKey, spkPub *ecdh.PublicKey, signature []byte) bool {
	if signingPub == nil || spkPub == nil {
		return false
	}
	payload := canonicalSignedPreKeyPayload(spkPub)
	return verifyECDSASignatureWithFallback(signingPub, sha256Digest(payload), signature)
}

func newSignedPreKey(signingPriv *ecdsa.PrivateKey, keyID uint32) (*SignedPreKeyRecord, error) {
	priv, err := generateECDHKeyPair()
	if err != nil {
		return nil, err
	}
	sig, err := signSignedPreKey(signingPriv, priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		KeyID:     keyID,
		CreatedAt: nowUTC(),
		Private:   priv,
		Public:    priv.PublicKey(),
		Signature: normalizeECDSASignatureForTransport(sig),
	}, nil
}

func newOneTimePreKey(keyID uint32) (*OneTimePreKeyRecord, error) {
	priv, err := generateECDHKeyPair()
	if err != nil {
		return nil, err
	}
	return &OneTimePreKeyRecord{KeyID: keyID, Private: priv, Public: priv.PublicKey()}, nil
}

// LoadOrCreateIdentity is §4.3's loadOrCreateIdentity.
func (m *IdentityManager) LoadOrCreateIdentity(ctx context.Context, userID int64, preferredDeviceID string) (*IdentityRecord, error) {
	rec, err := m.store.ReadIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}

	needsFresh := rec == nil || rec.IdentityPrivate == nil || rec.SigningPrivate == nil
	deviceChanged := rec != nil && preferredDeviceID != "" && preferredDeviceID != rec.DeviceID

	if needsFresh || deviceChanged {
		if err := m.store.DeleteAllSessionsForUser(ctx, userID); err != nil {
			return nil, err
		}
	}

	if !needsFresh && !deviceChanged {
		return rec, nil
	}

	deviceID := preferredDeviceID
	if deviceID == "" {
		if rec != nil && rec.DeviceID != "" {
			deviceID = rec.DeviceID
		} else {
			deviceID = uuid.NewString()
		}
	}

	identityPriv, err := generateECDHKeyPair()
	if err != nil {
		return nil, err
	}
	signingPriv, err := generateECDSAKeyPair()
	if err != nil {
		return nil, err
	}
	spk, err := newSignedPreKey(signingPriv, 1)
	if err != nil {
		return nil, err
	}

	fresh := &IdentityRecord{
		UserID:               userID,
		DeviceID:             deviceID,
		IdentityPrivate:      identityPriv,
		IdentityPublic:       identityPriv.PublicKey(),
		SigningPrivate:       signingPriv,
		SigningPublic:        &signingPriv.PublicKey,
		SignedPreKeys:        []*SignedPreKeyRecord{spk},
		ActiveSignedPreKeyID: spk.KeyID,
		OneTimePreKeys:       make(map[uint32]*OneTimePreKeyRecord, OneTimePreKeyTarget),
		NextOneTimePreKeyID:  1,
		UpdatedAt:            nowUTC(),
	}
	for i := 0; i < OneTimePreKeyTarget; i++ {
		otp, err := newOneTimePreKey(fresh.NextOneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		fresh.OneTimePreKeys[otp.KeyID] = otp
		fresh.NextOneTimePreKeyID++
	}

	if err := m.store.WriteIdentity(ctx, fresh); err != nil {
		return nil, err
	}
	m.logger.Printf("generated fresh identity for user %d device %s", userID, deviceID)
	observeActiveOneTimePreKeys(fresh.UserID, len(fresh.OneTimePreKeys))
	return fresh, nil
}

// RotationResult is rotateIdentityIfNeeded's return value.
type RotationResult struct {
	Identity *IdentityRecord
	Rotated  bool
}

// RotateIdentityIfNeeded is §4.3's rotateIdentityIfNeeded; idempotent.
func (m *IdentityManager) RotateIdentityIfNeeded(ctx context.Context, userID int64, deviceID string, maxAge time.Duration, historyLimit int) (*RotationResult, error) {
	rec, err := m.store.ReadIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec, err = m.LoadOrCreateIdentity(ctx, userID, deviceID)
		if err != nil {
			return nil, err
		}
	}

	rotated := false

	active := rec.ActiveSignedPreKey()
	fingerprintEmpty := signingKeyFingerprint(rec.SigningPublic) == ""
	tooOld := active == nil || nowUTC().Sub(active.CreatedAt) >= maxAge
	if tooOld || fingerprintEmpty {
		newID := rec.maxSignedPreKeyID() + 1
		spk, err := newSignedPreKey(rec.SigningPrivate, newID)
		if err != nil {
			return nil, err
		}
		rec.SignedPreKeys = append(rec.SignedPreKeys, spk)
		limit := effectiveHistoryLimit(historyLimit)
		if len(rec.SignedPreKeys) > limit {
			rec.SignedPreKeys = rec.SignedPreKeys[len(rec.SignedPreKeys)-limit:]
		}
		rec.ActiveSignedPreKeyID = spk.KeyID
		rotated = true
	}

	target := effectiveOneTimeTarget(historyLimit)
	if len(rec.OneTimePreKeys) < target {
		for len(rec.OneTimePreKeys) < target {
			otp, err := newOneTimePreKey(rec.NextOneTimePreKeyID)
			if err != nil {
				return nil, err
			}
			rec.OneTimePreKeys[otp.KeyID] = otp
			rec.NextOneTimePreKeyID++
		}
		rotated = true
	}

	if rotated {
		rec.UpdatedAt = nowUTC()
		if err := m.store.WriteIdentity(ctx, rec); err != nil {
			return nil, err
		}
	}
	observeRotation(rotated)
	observeActiveOneTimePreKeys(rec.UserID, len(rec.OneTimePreKeys))
	return &RotationResult{Identity: rec, Rotated: rotated}, nil
}

func effectiveHistoryLimit(historyLimit int) int {
	return minInt(SignedPreKeyHistoryLimit, maxInt(2, historyLimit))
}

func effectiveOneTimeTarget(historyLimit int) int {
	return minInt(OneTimePreKeyTarget, maxInt(24, historyLimit*16))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ToSignalPreKeyBundleUpload is §4.3's toSignalPreKeyBundleUpload.
func (m *IdentityManager) ToSignalPreKeyBundleUpload(rec *IdentityRecord) (*PreKeyBundleUpload, error) {
	active := rec.ActiveSignedPreKey()
	if active == nil {
		return nil, fmt.Errorf("%w: identity has no active signed pre-key", ErrPreconditionFailed)
	}
	upload := &PreKeyBundleUpload{
		UserID:                   rec.UserID,
		DeviceID:                 rec.DeviceID,
		IdentityKey:              rec.IdentityPublic,
		IdentitySigningPublicKey: rec.SigningPublic,
		SignedPreKey: SignedPreKeyBundleEntry{
			KeyID:     active.KeyID,
			PublicKey: active.Public,
			Signature: active.Signature,
		},
	}
	for _, otp := range rec.OneTimePreKeys {
		upload.OneTimePreKeys = append(upload.OneTimePreKeys, OneTimePreKeyBundleEntry{KeyID: otp.KeyID, PublicKey: otp.Public})
	}
	return upload, nil
}

// ConsumeOneTimePreKey is §4.3's consumeOneTimePreKey; idempotent if missing.
func (m *IdentityManager) ConsumeOneTimePreKey(ctx context.Context, rec *IdentityRecord, keyID uint32) error {
	if _, ok := rec.OneTimePreKeys[keyID]; !ok {
		return nil
	}
	delete(rec.OneTimePreKeys, keyID)
	rec.UpdatedAt = nowUTC()
	if err := m.store.WriteIdentity(ctx, rec); err != nil {
		return err
	}
	observeActiveOneTimePreKeys(rec.UserID, len(rec.OneTimePreKeys))
	return nil
}

// RotationStatus reports operator-facing health for dashboards, grounded in
// the teacher's identity key rotation status reporting.
type RotationStatus struct {
	LastSignedPreKeyRotation time.Time
	ActiveOneTimePreKeyCount int
}

func (m *IdentityManager) RotationStatus(rec *IdentityRecord) RotationStatus {
	status := RotationStatus{ActiveOneTimePreKeyCount: len(rec.OneTimePreKeys)}
	if active := rec.ActiveSignedPreKey(); active != nil {
		status.LastSignedPreKeyRotation = active.CreatedAt
	}
	return status
}
