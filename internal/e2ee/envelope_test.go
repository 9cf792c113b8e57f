package e2ee

import (
	"context"
	"errors"
	"testing"
)

// actorHarness bundles one device's local store/identity/codec, the pieces
// EncryptForRecipients and DecryptPayload need.
type actorHarness struct {
	userID   int64
	deviceID string
	store    *memStore
	im       *IdentityManager
	rec      *IdentityRecord
	orch     *SessionOrchestrator
	codec    *EnvelopeCodec
}

func newActorHarness(t *testing.T, ctx context.Context, userID int64, deviceID string) *actorHarness {
	t.Helper()
	store := newMemStore()
	im := NewIdentityManager(store)
	rec, err := im.LoadOrCreateIdentity(ctx, userID, deviceID)
	if err != nil {
		t.Fatalf("load identity for %d/%s: %v", userID, deviceID, err)
	}
	return &actorHarness{
		userID:   userID,
		deviceID: deviceID,
		store:    store,
		im:       im,
		rec:      rec,
		orch:     NewSessionOrchestrator(store, nil),
		codec:    NewEnvelopeCodec(store, im),
	}
}

// TestEnvelopeSendDecryptAndSelfDecrypt is scenario 1 from spec §8: Alice
// sends to Bob; Bob decrypts, and Alice's own device decrypts a copy
// addressed to itself. Also checks the pre-key header rides the wire (§4.4).
func TestEnvelopeSendDecryptAndSelfDecrypt(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()

	alice := newActorHarness(t, ctx, 201, "alice-mobile")
	bob := newActorHarness(t, ctx, 202, "bob-phone")
	dir.publish(t, bob.im, bob.rec)

	if _, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, alice.userID, alice.deviceID, alice.rec, []int64{bob.userID}, dir.resolve); err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	// Alice also needs a self-session to address a copy to her own device.
	selfSess, err := NewSelfSession(Participants{UserID: alice.userID, LocalDevice: alice.deviceID, PeerUserID: alice.userID, PeerDevice: alice.deviceID})
	if err != nil {
		t.Fatalf("mint self session: %v", err)
	}
	if err := alice.store.WriteSession(ctx, selfSess); err != nil {
		t.Fatalf("persist self session: %v", err)
	}

	recipients := []RecipientDevice{{UserID: bob.userID, DeviceID: bob.deviceID}, {UserID: alice.userID, DeviceID: alice.deviceID}}
	env, err := alice.codec.EncryptForRecipients(ctx, "hello bob", alice.userID, alice.deviceID, alice.rec, recipients)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	bobAddr := RecipientAddress(bob.userID, bob.deviceID)
	wk, ok := env.WrappedKeys[bobAddr]
	if !ok {
		t.Fatalf("missing wrapped key for %s", bobAddr)
	}
	if wk.PreKeyMessage == nil {
		t.Fatalf("expected a pre-key message header on bob's first wrapped key")
	}

	bobPlain, err := bob.codec.DecryptPayload(ctx, env, bob.userID, bob.deviceID, alice.userID, alice.deviceID, bob.rec)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if bobPlain != "hello bob" {
		t.Fatalf("bob recovered %q, want %q", bobPlain, "hello bob")
	}

	alicePlain, err := alice.codec.DecryptPayload(ctx, env, alice.userID, alice.deviceID, alice.userID, alice.deviceID, alice.rec)
	if err != nil {
		t.Fatalf("alice self-decrypt: %v", err)
	}
	if alicePlain != "hello bob" {
		t.Fatalf("alice self-decrypted %q, want %q", alicePlain, "hello bob")
	}
}

// TestEnvelopeMultiDeviceSelfFanOut is scenario 2: alice-mobile encrypts to
// {bob, alice-desktop}; alice-desktop establishes its own ratchet session
// with alice-mobile via X3DH (through the orchestrator's self fan-out path)
// and decrypts the same envelope.
func TestEnvelopeMultiDeviceSelfFanOut(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()

	aliceMobile := newActorHarness(t, ctx, 201, "alice-mobile")
	aliceDesktop := newActorHarness(t, ctx, 201, "alice-desktop")
	bob := newActorHarness(t, ctx, 202, "bob-phone")

	dir.publish(t, bob.im, bob.rec)
	dir.publish(t, aliceMobile.im, aliceMobile.rec)
	dir.publish(t, aliceDesktop.im, aliceDesktop.rec)

	ensureResult, err := aliceMobile.orch.EnsureRatchetSessionsForRecipients(ctx, aliceMobile.userID, aliceMobile.deviceID, aliceMobile.rec, []int64{bob.userID, aliceMobile.userID}, dir.resolve)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	foundDesktop := false
	for _, r := range ensureResult.ReadyRecipients {
		if r.UserID == 201 && r.DeviceID == "alice-desktop" {
			foundDesktop = true
		}
	}
	if !foundDesktop {
		t.Fatalf("expected alice-desktop among ready self-fan-out recipients, got %+v", ensureResult.ReadyRecipients)
	}

	recipients := []RecipientDevice{{UserID: bob.userID, DeviceID: bob.deviceID}, {UserID: 201, DeviceID: "alice-desktop"}}
	env, err := aliceMobile.codec.EncryptForRecipients(ctx, "multi-device hello", aliceMobile.userID, aliceMobile.deviceID, aliceMobile.rec, recipients)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	desktopAddr := RecipientAddress(201, "alice-desktop")
	if wk := env.WrappedKeys[desktopAddr]; wk == nil || wk.PreKeyMessage == nil {
		t.Fatalf("expected a pre-key message header on alice-desktop's first wrapped key")
	}

	desktopPlain, err := aliceDesktop.codec.DecryptPayload(ctx, env, 201, "alice-desktop", aliceMobile.userID, aliceMobile.deviceID, aliceDesktop.rec)
	if err != nil {
		t.Fatalf("alice-desktop decrypt: %v", err)
	}
	if desktopPlain != "multi-device hello" {
		t.Fatalf("alice-desktop recovered %q, want %q", desktopPlain, "multi-device hello")
	}
}

// TestEnvelopeTamperDetection is scenario 3 / property P3: mutating any
// signed field of the envelope must make decryption fail on signature
// verification rather than silently succeeding or panicking.
func TestEnvelopeTamperDetection(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()

	alice := newActorHarness(t, ctx, 201, "alice-mobile")
	bob := newActorHarness(t, ctx, 202, "bob-phone")
	dir.publish(t, bob.im, bob.rec)

	if _, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, alice.userID, alice.deviceID, alice.rec, []int64{bob.userID}, dir.resolve); err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	recipients := []RecipientDevice{{UserID: bob.userID, DeviceID: bob.deviceID}}
	env, err := alice.codec.EncryptForRecipients(ctx, "sensitive payload", alice.userID, alice.deviceID, alice.rec, recipients)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"ciphertext", func(e *Envelope) { e.Ciphertext = append(append([]byte{}, e.Ciphertext...), 'x') }},
		{"messageIv", func(e *Envelope) { e.MessageIV = append(append([]byte{}, e.MessageIV...), 'x') }},
		{"signature", func(e *Envelope) {
			tampered := append([]byte(nil), e.Signature...)
			tampered[0] ^= 0xFF
			e.Signature = tampered
		}},
		{"wrappedKey", func(e *Envelope) {
			addr := RecipientAddress(bob.userID, bob.deviceID)
			wk := *e.WrappedKeys[addr]
			wk.WrappedKey = append(append([]byte{}, wk.WrappedKey...), 'x')
			e.WrappedKeys[addr] = &wk
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clone := *env
			clone.WrappedKeys = make(map[string]*WrappedKey, len(env.WrappedKeys))
			for k, v := range env.WrappedKeys {
				clone.WrappedKeys[k] = v
			}
			tc.mutate(&clone)

			_, err := bob.codec.DecryptPayload(ctx, &clone, bob.userID, bob.deviceID, alice.userID, alice.deviceID, bob.rec)
			if !errors.Is(err, ErrSignatureVerificationFailed) {
				t.Fatalf("tampered envelope (%s) was not rejected on signature verification, got %v", tc.name, err)
			}
		})
	}
}

// TestOneTimePreKeyReplayRejected is scenario 6: replaying a pre-key message
// that references an already-consumed one-time pre-key must not let a second,
// independent responder session bootstrap from it.
func TestOneTimePreKeyReplayRejected(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()

	alice := newActorHarness(t, ctx, 201, "alice-mobile")
	bob := newActorHarness(t, ctx, 202, "bob-phone")
	dir.publish(t, bob.im, bob.rec)

	if _, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, alice.userID, alice.deviceID, alice.rec, []int64{bob.userID}, dir.resolve); err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	recipients := []RecipientDevice{{UserID: bob.userID, DeviceID: bob.deviceID}}
	env, err := alice.codec.EncryptForRecipients(ctx, "first contact", alice.userID, alice.deviceID, alice.rec, recipients)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.codec.DecryptPayload(ctx, env, bob.userID, bob.deviceID, alice.userID, alice.deviceID, bob.rec); err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}

	addr := RecipientAddress(bob.userID, bob.deviceID)
	header := env.WrappedKeys[addr].PreKeyMessage
	if header == nil || header.OneTimePreKeyID == nil {
		t.Fatalf("expected the first contact message to carry a one-time pre-key id")
	}

	// Bob's one-time pre-key for this header is gone; a brand-new responder
	// bootstrap attempt with the same header must fail instead of minting a
	// second, parallel session off the now-consumed one-time pre-key.
	if _, _, err := X3DHRespond(bob.rec, header); err != ErrMissingOneTimePreKey {
		t.Fatalf("expected ErrMissingOneTimePreKey for replayed pre-key message, got %v", err)
	}
}
