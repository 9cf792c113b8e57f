package e2ee

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// EnvelopeCodec is C6: AES-GCM message encryption, per-recipient wrap, and
// signed envelope assembly/verification.
type EnvelopeCodec struct {
	store    SecureStore
	identity *IdentityManager
	logger   *log.Logger

	// WarnOnSelfSigningKeyMismatch is the policy knob §9's Design Notes
	// calls for: the source warns and proceeds when a self-addressed
	// message's sender signing key differs from the locally pinned one
	// rather than rejecting it outright. Defaults to true (matches the
	// source's behavior); set false to make that mismatch fatal instead.
	WarnOnSelfSigningKeyMismatch bool
}

func NewEnvelopeCodec(store SecureStore, identity *IdentityManager) *EnvelopeCodec {
	return &EnvelopeCodec{
		store:                        store,
		identity:                     identity,
		logger:                       log.New(os.Stdout, "[E2EE-ENVELOPE] ", log.Ldate|log.Ltime|log.LUTC),
		WarnOnSelfSigningKeyMismatch: true,
	}
}

// RecipientDevice is one (userID, deviceID) target of encryptForRecipients.
type RecipientDevice struct {
	UserID   int64
	DeviceID string
}

// EncryptForRecipients is §4.6's encryptForRecipients.
func (c *EnvelopeCodec) EncryptForRecipients(ctx context.Context, plaintext string, senderUser int64, senderDevice string, identity *IdentityRecord, recipients []RecipientDevice) (*Envelope, error) {
	if strings.TrimSpace(plaintext) == "" {
		return nil, fmt.Errorf("%w", ErrEmptyPlaintext)
	}

	contentKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, fmt.Errorf("e2ee: generate content key: %w", err)
	}
	messageIV, ciphertext, err := aesGCMSeal(contentKey, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Ciphertext:             ciphertext,
		MessageIV:              messageIV,
		WrappedKeys:            make(map[string]*WrappedKey),
		SenderPublicKey:        identity.IdentityPublic,
		SenderSigningPublicKey: identity.SigningPublic,
		SenderDeviceID:         senderDevice,
		ContentType:            "text/plain",
		EncryptionScheme:       EncryptionSchemeDoubleRatchetV1,
	}

	missing := make(map[string]struct{})
	for _, r := range recipients {
		address := RecipientAddress(r.UserID, r.DeviceID)
		p := Participants{UserID: senderUser, LocalDevice: senderDevice, PeerUserID: r.UserID, PeerDevice: r.DeviceID}

		sess, err := c.store.ReadSession(ctx, p)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.Status != "ready" {
			missing[address] = struct{}{}
			continue
		}

		wk, err := PrepareSend(sess, contentKey)
		if err != nil {
			c.logger.Printf("prepareSend failed for %s: %v", address, err)
			missing[address] = struct{}{}
			continue
		}
		if err := c.store.WriteSession(ctx, sess); err != nil {
			c.logger.Printf("session write failed for %s: %v", address, err)
		}
		env.WrappedKeys[address] = wk
	}

	if len(missing) > 0 {
		return nil, newMissingSessionsError(missing)
	}
	if len(env.WrappedKeys) == 0 {
		return nil, ErrNoRecipientReady
	}

	payload := canonicalCipherPayload(env)
	sig, err := signRaw64(identity.SigningPrivate, payload)
	if err != nil {
		return nil, err
	}
	env.Signature = normalizeECDSASignatureForTransport(sig)
	return env, nil
}

// DecryptPayload is §4.6's decryptPayload.
func (c *EnvelopeCodec) DecryptPayload(ctx context.Context, env *Envelope, localUser int64, localDevice string, senderUser int64, senderDevice string, identity *IdentityRecord) (string, error) {
	if env.EncryptionScheme == EncryptionSchemeDoubleRatchetV1 {
		if len(env.Signature) == 0 || env.SenderSigningPublicKey == nil {
			observeDecryptFailure("signature_required")
			return "", ErrSignatureRequired
		}
		payload := canonicalCipherPayload(env)
		if !verifyECDSASignatureWithFallback(env.SenderSigningPublicKey, sha256Digest(payload), env.Signature) {
			observeDecryptFailure("signature_verification_failed")
			return "", ErrSignatureVerificationFailed
		}
	}

	address := RecipientAddress(localUser, localDevice)
	wrapper, ok := env.WrappedKeys[address]
	if !ok {
		observeDecryptFailure("missing_wrapped_key")
		return "", ErrMissingWrappedKey
	}

	isSelf := senderUser == localUser && senderDevice == localDevice
	p := Participants{UserID: localUser, LocalDevice: localDevice, PeerUserID: senderUser, PeerDevice: senderDevice}

	sess, err := c.store.ReadSession(ctx, p)
	if err != nil {
		return "", err
	}
	if sess == nil {
		if wrapper.PreKeyMessage == nil {
			observeDecryptFailure("session_not_ready")
			return "", ErrSessionNotReady
		}
		sess, err = c.bootstrapFromHeader(ctx, p, identity, wrapper.PreKeyMessage)
		if err != nil {
			observeDecryptFailure("bootstrap_failed")
			return "", fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
		}
	}

	if err := c.reconcilePeerSigningKey(sess, env, isSelf); err != nil {
		observeDecryptFailure("self_signing_key_mismatch")
		return "", err
	}

	mk, err := DeriveReceive(sess, wrapper)
	if err != nil {
		if wrapper.PreKeyMessage != nil && !isSelf {
			rebootstrapped, rebErr := c.bootstrapFromHeader(ctx, p, identity, wrapper.PreKeyMessage)
			if rebErr != nil {
				observeDecryptFailure("ratchet_derive_failed")
				return "", err
			}
			sess = rebootstrapped
			mk, err = DeriveReceive(sess, wrapper)
			if err != nil {
				observeDecryptFailure("ratchet_derive_failed")
				return "", err
			}
		} else {
			observeDecryptFailure("ratchet_derive_failed")
			return "", err
		}
	}

	if err := c.store.WriteSession(ctx, sess); err != nil {
		c.logger.Printf("session write failed for %s: %v", p.SessionID(), err)
	}

	contentKey, err := aesGCMOpen(mk, wrapper.IV, wrapper.WrappedKey)
	if err != nil {
		observeDecryptFailure("key_unwrap_failed")
		return "", err
	}
	plaintext, err := aesGCMOpen(contentKey, env.MessageIV, env.Ciphertext)
	if err != nil {
		observeDecryptFailure("content_decrypt_failed")
		return "", err
	}
	return string(plaintext), nil
}

func (c *EnvelopeCodec) bootstrapFromHeader(ctx context.Context, p Participants, identity *IdentityRecord, header *PreKeyMessageHeader) (*RatchetSession, error) {
	sess, consumedID, err := BuildResponderSession(p, identity, header)
	if err != nil {
		return nil, err
	}
	if consumedID != nil {
		if err := c.identity.ConsumeOneTimePreKey(ctx, identity, *consumedID); err != nil {
			return nil, err
		}
	}
	if err := c.store.WriteSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *EnvelopeCodec) reconcilePeerSigningKey(sess *RatchetSession, env *Envelope, isSelf bool) error {
	if env.SenderSigningPublicKey == nil {
		return nil
	}
	if sess.PeerSigningKey == nil {
		sess.PeerSigningKey = env.SenderSigningPublicKey
		return nil
	}
	if signingKeyFingerprint(sess.PeerSigningKey) == signingKeyFingerprint(env.SenderSigningPublicKey) {
		return nil
	}
	if isSelf {
		if c.WarnOnSelfSigningKeyMismatch {
			c.logger.Printf("WARNING: self-session %s signing key fingerprint mismatch; proceeding per recovery policy", sess.Participants.SessionID())
			return nil
		}
		return fmt.Errorf("%w: self-session signing key mismatch", ErrSignatureVerificationFailed)
	}
	sess.PeerSigningKey = env.SenderSigningPublicKey
	return nil
}

// SignDecryptAck is §4.6's signDecryptAck.
func SignDecryptAck(roomID, messageID, fromUserID int64, signingPrivateKey *ecdsa.PrivateKey) ([]byte, error) {
	payload, err := canonicalAckPayload(roomID, messageID, fromUserID)
	if err != nil {
		return nil, err
	}
	sig, err := signRaw64(signingPrivateKey, payload)
	if err != nil {
		return nil, err
	}
	return normalizeECDSASignatureForTransport(sig), nil
}

// VerifyDecryptAck checks a signDecryptAck signature against the claimed
// signer's pinned signing key; used by internal/directory's ack receipt
// endpoint so a sender can confirm a recipient actually decrypted a message.
func VerifyDecryptAck(roomID, messageID, fromUserID int64, signingPublicKey *ecdsa.PublicKey, signature []byte) (bool, error) {
	payload, err := canonicalAckPayload(roomID, messageID, fromUserID)
	if err != nil {
		return false, err
	}
	return verifyECDSASignatureWithFallback(signingPublicKey, sha256Digest(payload), signature), nil
}
