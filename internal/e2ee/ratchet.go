package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// kdfRK derives a new root key and chain key from a DH output (§4.5).
func kdfRK(rootKey [32]byte, dhSecret []byte) (newRoot [32]byte, chainKey [32]byte, err error) {
	out, err := hkdfSHA256(dhSecret, rootKey[:], []byte(infoDRRatchetRK), 64)
	if err != nil {
		return newRoot, chainKey, err
	}
	copy(newRoot[:], out[:32])
	copy(chainKey[:], out[32:])
	return newRoot, chainKey, nil
}

// kdfCK advances a chain key, returning the next chain key and a message key
// (§4.5).
func kdfCK(chainKey [32]byte) (nextChainKey [32]byte, messageKey [32]byte) {
	copy(nextChainKey[:], hmacSHA256(chainKey[:], []byte{0x01}))
	copy(messageKey[:], hmacSHA256(chainKey[:], []byte{0x02}))
	return nextChainKey, messageKey
}

func aesGCMSeal(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("e2ee: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("e2ee: aes-gcm: %w", err)
	}
	iv = make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("e2ee: generate iv: %w", err)
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

func aesGCMOpen(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("e2ee: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("e2ee: aes-gcm: %w", err)
	}
	pt, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: aes-gcm open: %v", ErrSignatureVerificationFailed, err)
	}
	return pt, nil
}

// NewSelfSession mints the degenerate self-session ratchet state described
// in §4.5 for the session a device keeps with its own (user, device)
// address: no DH ratchet is ever applied on it. Other devices of the same
// user get ordinary X3DH-bootstrapped sessions.
func NewSelfSession(p Participants) (*RatchetSession, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("e2ee: self-session seed: %w", err)
	}
	rootRaw, err := hkdfSHA256(seed, zeroSalt32, []byte(infoDRRoot), 32)
	if err != nil {
		return nil, err
	}
	var root [32]byte
	copy(root[:], rootRaw)

	chainInfo := fmt.Sprintf("%s:%s", infoChainInitiator, uuid.NewString())
	chainRaw := hmacSHA256(root[:], []byte(chainInfo))
	var chain [32]byte
	copy(chain[:], chainRaw)

	dhPriv, err := generateECDHKeyPair()
	if err != nil {
		return nil, err
	}

	return &RatchetSession{
		Participants:  p,
		Status:        "ready",
		RootKey:       root,
		SendChainKey:  chain,
		RecvChainKey:  chain,
		Skipped:       newSkippedCache(),
		DHSendPrivate: dhPriv,
		DHSendPublic:  dhPriv.PublicKey(),
		DHRecvPublic:  dhPriv.PublicKey(),
		IsSelfSession: true,
		UpdatedAt:     nowUTC(),
	}, nil
}

// PrepareSend is §4.5's prepareSend: emits the header for the next outgoing
// message on sess's sending chain and advances it.
func PrepareSend(sess *RatchetSession, rawContentKey []byte) (*WrappedKey, error) {
	nextCK, mk := kdfCK(sess.SendChainKey)

	iv, wrapped, err := aesGCMSeal(mk[:], rawContentKey)
	if err != nil {
		return nil, err
	}

	wk := &WrappedKey{
		IV:                  iv,
		WrappedKey:          wrapped,
		RatchetDHPublicKey:  sess.DHSendPublic,
		MessageNumber:       sess.SendCount,
		PreviousChainLength: sess.PreviousSendCount,
		SessionVersion:      DRSessionVersion,
		PreKeyMessage:       clonePreKeyMessageHeader(sess.PendingPreKey),
	}

	sess.SendChainKey = nextCK
	sess.SendCount++
	if sess.PendingPreKey != nil && sess.SendCount >= 3 {
		sess.PendingPreKey = nil
	}
	sess.UpdatedAt = nowUTC()
	return wk, nil
}

// skipMessageKeys is §4.5's skipMessageKeys.
func skipMessageKeys(sess *RatchetSession, target uint32) error {
	if target > sess.RecvCount && target-sess.RecvCount > DRMaxSkip {
		observeDecryptFailure("ratchet_overflow")
		return ErrRatchetOverflow
	}
	fp := ratchetKeyFingerprint(sess.DHRecvPublic)
	for sess.RecvCount < target {
		nextCK, mk := kdfCK(sess.RecvChainKey)
		sess.RecvChainKey = nextCK
		sess.Skipped.Put(fp, sess.RecvCount, mk[:])
		sess.RecvCount++
	}
	observeSkippedCacheSize(sess.Participants.SessionID(), sess.Skipped.Len())
	return nil
}

// applyDHRatchet is §4.5's applyDHRatchet.
func applyDHRatchet(sess *RatchetSession, newRemoteDH *ecdh.PublicKey) error {
	observeRatchetStep("dh_public_key_changed")
	sess.PreviousSendCount = sess.SendCount
	sess.SendCount = 0
	sess.RecvCount = 0
	sess.DHRecvPublic = newRemoteDH

	dh1, err := dh(sess.DHSendPrivate, newRemoteDH)
	if err != nil {
		return err
	}
	newRoot1, recvChain, err := kdfRK(sess.RootKey, dh1)
	if err != nil {
		return err
	}
	sess.RecvChainKey = recvChain

	newDHPriv, err := generateECDHKeyPair()
	if err != nil {
		return err
	}
	dh2, err := dh(newDHPriv, newRemoteDH)
	if err != nil {
		return err
	}
	newRoot2, sendChain, err := kdfRK(newRoot1, dh2)
	if err != nil {
		return err
	}
	sess.SendChainKey = sendChain
	sess.RootKey = newRoot2
	sess.DHSendPrivate = newDHPriv
	sess.DHSendPublic = newDHPriv.PublicKey()
	return nil
}

// takeNextReceiveKey is §4.5's "take next receive key".
func takeNextReceiveKey(sess *RatchetSession) [32]byte {
	nextCK, mk := kdfCK(sess.RecvChainKey)
	sess.RecvChainKey = nextCK
	sess.RecvCount++
	return mk
}

// DeriveReceive is §4.5's deriveReceive: produces the message key for an
// incoming wrapper, handling skipped keys and DH ratchet transitions.
func DeriveReceive(sess *RatchetSession, wrapper *WrappedKey) ([]byte, error) {
	if sess.IsSelfSession {
		fp := ratchetKeyFingerprint(sess.DHRecvPublic)
		if key, ok := sess.Skipped.Get(fp, wrapper.MessageNumber); ok {
			sess.Skipped.Delete(fp, wrapper.MessageNumber)
			observeSkippedCacheSize(sess.Participants.SessionID(), sess.Skipped.Len())
			return key, nil
		}
		if err := skipMessageKeys(sess, wrapper.MessageNumber); err != nil {
			return nil, err
		}
		mk := takeNextReceiveKey(sess)
		return mk[:], nil
	}

	if wrapper.RatchetDHPublicKey == nil {
		return nil, ErrMissingRatchetHeader
	}

	headerFP := ratchetKeyFingerprint(wrapper.RatchetDHPublicKey)
	if key, ok := sess.Skipped.Get(headerFP, wrapper.MessageNumber); ok {
		sess.Skipped.Delete(headerFP, wrapper.MessageNumber)
		observeSkippedCacheSize(sess.Participants.SessionID(), sess.Skipped.Len())
		return key, nil
	}

	currentFP := ratchetKeyFingerprint(sess.DHRecvPublic)
	if currentFP != headerFP {
		if err := skipMessageKeys(sess, wrapper.PreviousChainLength); err != nil {
			return nil, err
		}
		if err := applyDHRatchet(sess, wrapper.RatchetDHPublicKey); err != nil {
			return nil, err
		}
	}

	if err := skipMessageKeys(sess, wrapper.MessageNumber); err != nil {
		return nil, err
	}
	mk := takeNextReceiveKey(sess)
	return mk[:], nil
}
