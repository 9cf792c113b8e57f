// Command e2eedemo exercises the X3DH handshake, double-ratchet session
// establishment, and envelope encrypt/decrypt round trip across two local
// identities, in a single process with no external directory service or
// database. It also runs Alice's self fan-out, but its in-process directory
// publishes one device per user (alice-mobile for user 201), so
// alice-desktop gets no wrapped key and its decrypt attempt reports an error.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jaydenbeard/e2ee-messenger/internal/e2ee"
)

// localDirectory is an in-process stand-in for internal/directory: it
// resolves bundles straight from in-memory identity managers, the shape
// e2ee.BundleResolver expects without a Postgres-backed service running.
type localDirectory struct {
	managers map[int64]*e2ee.IdentityManager
}

func (d *localDirectory) resolve(ctx context.Context, userID int64) (*e2ee.BundleList, error) {
	m, ok := d.managers[userID]
	if !ok {
		return nil, fmt.Errorf("e2eedemo: no identity registered for user %d", userID)
	}
	rec, err := m.LoadOrCreateIdentity(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	upload, err := m.ToSignalPreKeyBundleUpload(rec)
	if err != nil {
		return nil, err
	}
	dev := e2ee.DeviceBundle{
		DeviceID:                 upload.DeviceID,
		UserID:                   upload.UserID,
		IdentityKey:              upload.IdentityKey,
		IdentitySigningPublicKey: upload.IdentitySigningPublicKey,
		SignedPreKey:             upload.SignedPreKey,
	}
	if len(upload.OneTimePreKeys) > 0 {
		otp := upload.OneTimePreKeys[0]
		dev.OneTimePreKey = &otp
	}
	return &e2ee.BundleList{UserID: userID, Devices: []e2ee.DeviceBundle{dev}, UpdatedAt: time.Now()}, nil
}

type actor struct {
	userID   int64
	deviceID string
	store    e2ee.SecureStore
	identity *e2ee.IdentityManager
	record   *e2ee.IdentityRecord
	orch     *e2ee.SessionOrchestrator
	codec    *e2ee.EnvelopeCodec
}

func newActor(ctx context.Context, dbPath string, userID int64, deviceID string) (*actor, error) {
	store, err := e2ee.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	im := e2ee.NewIdentityManager(store)
	rec, err := im.LoadOrCreateIdentity(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return &actor{
		userID:   userID,
		deviceID: deviceID,
		store:    store,
		identity: im,
		record:   rec,
		orch:     e2ee.NewSessionOrchestrator(store, nil),
		codec:    e2ee.NewEnvelopeCodec(store, im),
	}, nil
}

func (a *actor) ensureAndSend(ctx context.Context, text string, recipients []e2ee.RecipientDevice, resolve e2ee.BundleResolver) (*e2ee.Envelope, error) {
	byUser := map[int64]bool{}
	for _, r := range recipients {
		byUser[r.UserID] = true
	}
	peers := make([]int64, 0, len(byUser))
	for peer := range byUser {
		peers = append(peers, peer)
	}
	if _, err := a.orch.EnsureRatchetSessionsForRecipients(ctx, a.userID, a.deviceID, a.record, peers, resolve); err != nil {
		return nil, fmt.Errorf("ensure sessions: %w", err)
	}
	return a.codec.EncryptForRecipients(ctx, text, a.userID, a.deviceID, a.record, recipients)
}

func main() {
	ctx := context.Background()
	logger := log.New(os.Stdout, "[E2EE-DEMO] ", log.Ldate|log.Ltime|log.LUTC)

	tmpDir, err := os.MkdirTemp("", "e2eedemo-")
	if err != nil {
		logger.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	alice, err := newActor(ctx, tmpDir+"/alice-mobile.db", 201, "alice-mobile")
	if err != nil {
		logger.Fatalf("create alice-mobile: %v", err)
	}
	aliceDesktop, err := newActor(ctx, tmpDir+"/alice-desktop.db", 201, "alice-desktop")
	if err != nil {
		logger.Fatalf("create alice-desktop: %v", err)
	}
	bob, err := newActor(ctx, tmpDir+"/bob-phone.db", 202, "bob-phone")
	if err != nil {
		logger.Fatalf("create bob-phone: %v", err)
	}

	dir := &localDirectory{managers: map[int64]*e2ee.IdentityManager{
		201: alice.identity,
		202: bob.identity,
	}}

	// Scenario 1: Alice sends to Bob; Bob and Alice's own device both decrypt.
	recipients := []e2ee.RecipientDevice{{UserID: 202, DeviceID: "bob-phone"}, {UserID: 201, DeviceID: "alice-mobile"}}
	env, err := alice.ensureAndSend(ctx, "hello bob", recipients, dir.resolve)
	if err != nil {
		logger.Fatalf("scenario 1: alice encrypt: %v", err)
	}
	logger.Printf("scenario 1: alice -> bob envelope built, %d wrapped keys", len(env.WrappedKeys))

	bobPlain, err := bob.codec.DecryptPayload(ctx, env, 202, "bob-phone", 201, "alice-mobile", bob.record)
	if err != nil {
		logger.Fatalf("scenario 1: bob decrypt: %v", err)
	}
	logger.Printf("scenario 1: bob decrypted: %q", bobPlain)

	alicePlain, err := alice.codec.DecryptPayload(ctx, env, 201, "alice-mobile", 201, "alice-mobile", alice.record)
	if err != nil {
		logger.Fatalf("scenario 1: alice self-decrypt: %v", err)
	}
	logger.Printf("scenario 1: alice self-decrypted: %q", alicePlain)

	// Scenario 2: Alice-desktop tries the same envelope; with alice-desktop
	// unpublished, the envelope carries no wrapped key for it.
	selfResult, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, 201, "alice-mobile", alice.record, []int64{201}, dir.resolve)
	if err != nil {
		logger.Fatalf("scenario 2: ensure self sessions: %v", err)
	}
	logger.Printf("scenario 2: self fan-out ready recipients: %d", len(selfResult.ReadyRecipients))

	desktopPlain, err := aliceDesktop.codec.DecryptPayload(ctx, env, 201, "alice-desktop", 201, "alice-mobile", aliceDesktop.record)
	if err != nil {
		logger.Printf("scenario 2: alice-desktop decrypt not ready yet (%v); this is expected until alice-desktop's bundle is published", err)
	} else {
		logger.Printf("scenario 2: alice-desktop decrypted: %q", desktopPlain)
	}

	// Scenario 3: tamper with ciphertext, confirm Bob rejects it.
	tampered := *env
	tampered.Ciphertext = append(append([]byte{}, env.Ciphertext...), 'A')
	if _, err := bob.codec.DecryptPayload(ctx, &tampered, 202, "bob-phone", 201, "alice-mobile", bob.record); err != nil {
		logger.Printf("scenario 3: tampered envelope rejected as expected: %v", err)
	} else {
		logger.Fatalf("scenario 3: tampered envelope was accepted, this is a bug")
	}

	// Scenario 4: rotate Bob's identity after forcing maxAge down to 1ms.
	time.Sleep(5 * time.Millisecond)
	rotation, err := bob.identity.RotateIdentityIfNeeded(ctx, 202, "bob-phone", time.Millisecond, 6)
	if err != nil {
		logger.Fatalf("scenario 4: rotate bob identity: %v", err)
	}
	logger.Printf("scenario 4: bob identity rotated=%v active signed-pre-key id=%d", rotation.Rotated, rotation.Identity.ActiveSignedPreKeyID)

	logger.Println("demo complete")
}
