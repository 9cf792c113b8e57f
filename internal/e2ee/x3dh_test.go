package e2ee

import (
	"context"
	"testing"
)

// TestX3DHChainsAreMirrored covers §4.4's initiator/responder chain
// mapping: the initiator's send chain must equal the responder's receive
// chain, and vice versa, so their first messages decrypt correctly.
func TestX3DHChainsAreMirrored(t *testing.T) {
	pair := newHandshakePair(t)

	if pair.aliceSess.RootKey != pair.bobSess.RootKey {
		t.Fatalf("root keys diverge between initiator and responder")
	}
	if pair.aliceSess.SendChainKey != pair.bobSess.RecvChainKey {
		t.Fatalf("alice's send chain must equal bob's receive chain")
	}
	if pair.aliceSess.RecvChainKey != pair.bobSess.SendChainKey {
		t.Fatalf("alice's receive chain must equal bob's send chain")
	}
}

func TestX3DHInitiateRejectsBadBundleSignature(t *testing.T) {
	ctx := context.Background()
	bobStore := newMemStore()
	bobIM := NewIdentityManager(bobStore)
	bobRec, err := bobIM.LoadOrCreateIdentity(ctx, 202, "bob-phone")
	if err != nil {
		t.Fatalf("load bob: %v", err)
	}
	upload, err := bobIM.ToSignalPreKeyBundleUpload(bobRec)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	aliceStore := newMemStore()
	aliceIM := NewIdentityManager(aliceStore)
	aliceRec, err := aliceIM.LoadOrCreateIdentity(ctx, 201, "alice-mobile")
	if err != nil {
		t.Fatalf("load alice: %v", err)
	}

	tamperedSig := append([]byte(nil), upload.SignedPreKey.Signature...)
	tamperedSig[0] ^= 0xFF
	bundle := &DeviceBundle{
		DeviceID:                 upload.DeviceID,
		UserID:                   upload.UserID,
		IdentityKey:              upload.IdentityKey,
		IdentitySigningPublicKey: upload.IdentitySigningPublicKey,
		SignedPreKey:             SignedPreKeyBundleEntry{KeyID: upload.SignedPreKey.KeyID, PublicKey: upload.SignedPreKey.PublicKey, Signature: tamperedSig},
	}

	if _, _, err := X3DHInitiate(aliceRec, bundle); err == nil {
		t.Fatalf("expected bundle verification failure, got nil error")
	} else if err != ErrBundleVerificationFailed {
		t.Fatalf("expected ErrBundleVerificationFailed, got %v", err)
	}
}

// TestOneTimePreKeyConsumedOnce is property P6 and scenario 6: once a
// responder bootstrap references a one-time pre-key, a second bootstrap
// referencing the same key must fail.
func TestOneTimePreKeyConsumedOnce(t *testing.T) {
	pair := newHandshakePair(t)
	if pair.consumedOneTimePreKeyID == nil {
		t.Fatalf("expected a one-time pre-key to be consumed by the handshake")
	}
	if pair.bobRec.FindOneTimePreKey(*pair.consumedOneTimePreKeyID) != nil {
		t.Fatalf("one-time pre-key %d should be gone from bob's identity", *pair.consumedOneTimePreKeyID)
	}

	// A stale bundle listing the same (now-consumed) one-time pre-key ID
	// cannot bootstrap a second responder session for it.
	header := pair.aliceSess.PendingPreKey
	staleHeader := *header
	replayID := *pair.consumedOneTimePreKeyID
	staleHeader.OneTimePreKeyID = &replayID

	if _, _, err := X3DHRespond(pair.bobRec, &staleHeader); err == nil {
		t.Fatalf("expected replay of consumed one-time pre-key to fail")
	} else if err != ErrMissingOneTimePreKey {
		t.Fatalf("expected ErrMissingOneTimePreKey, got %v", err)
	}
}
