package e2ee

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// fakeDirectory is a test double for internal/directory: it aggregates
// published per-device bundles in memory and serves them back as a
// BundleResolver, the same shape an orchestrator would get from a real
// directory service over HTTP.
type fakeDirectory struct {
	devicesByUser map[int64][]DeviceBundle
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{devicesByUser: make(map[int64][]DeviceBundle)}
}

// publish registers rec's current bundle (identity + active signed pre-key +
// one one-time pre-key, mirroring ToSignalPreKeyBundleUpload) under its
// DeviceID, the way internal/directory's UploadBundleHandler would.
func (d *fakeDirectory) publish(t *testing.T, im *IdentityManager, rec *IdentityRecord) {
	t.Helper()
	upload, err := im.ToSignalPreKeyBundleUpload(rec)
	if err != nil {
		t.Fatalf("build upload for %d/%s: %v", rec.UserID, rec.DeviceID, err)
	}
	dev := DeviceBundle{
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
	devices := d.devicesByUser[rec.UserID]
	filtered := devices[:0]
	for _, existing := range devices {
		if existing.DeviceID != dev.DeviceID {
			filtered = append(filtered, existing)
		}
	}
	d.devicesByUser[rec.UserID] = append(filtered, dev)
}

func (d *fakeDirectory) resolve(ctx context.Context, userID int64) (*BundleList, error) {
	devices, ok := d.devicesByUser[userID]
	if !ok || len(devices) == 0 {
		return nil, fmt.Errorf("fakeDirectory: no bundles published for user %d", userID)
	}
	return &BundleList{UserID: userID, Devices: append([]DeviceBundle(nil), devices...), UpdatedAt: time.Now()}, nil
}

// handshakePair wires a fresh initiator (alice) and responder (bob) session
// pair through the real X3DH + identity-manager path, used across the
// x3dh/ratchet/envelope test files so none of them hand-construct session
// state directly.
type handshakePair struct {
	aliceStore *memStore
	aliceIM    *IdentityManager
	aliceRec   *IdentityRecord
	aliceSess  *RatchetSession
	aliceP     Participants

	bobStore *memStore
	bobIM    *IdentityManager
	bobRec   *IdentityRecord
	bobSess  *RatchetSession
	bobP     Participants

	consumedOneTimePreKeyID *uint32
}

func newHandshakePair(t *testing.T) *handshakePair {
	t.Helper()
	ctx := context.Background()

	bobStore := newMemStore()
	bobIM := NewIdentityManager(bobStore)
	bobRec, err := bobIM.LoadOrCreateIdentity(ctx, 202, "bob-phone")
	if err != nil {
		t.Fatalf("load bob identity: %v", err)
	}

	aliceStore := newMemStore()
	aliceIM := NewIdentityManager(aliceStore)
	aliceRec, err := aliceIM.LoadOrCreateIdentity(ctx, 201, "alice-mobile")
	if err != nil {
		t.Fatalf("load alice identity: %v", err)
	}

	upload, err := bobIM.ToSignalPreKeyBundleUpload(bobRec)
	if err != nil {
		t.Fatalf("bob bundle upload: %v", err)
	}
	var otp *OneTimePreKeyBundleEntry
	if len(upload.OneTimePreKeys) > 0 {
		o := upload.OneTimePreKeys[0]
		otp = &o
	}
	bundle := &DeviceBundle{
		DeviceID:                 upload.DeviceID,
		UserID:                   upload.UserID,
		IdentityKey:              upload.IdentityKey,
		IdentitySigningPublicKey: upload.IdentitySigningPublicKey,
		SignedPreKey:             upload.SignedPreKey,
		OneTimePreKey:            otp,
	}

	aliceP := Participants{UserID: 201, LocalDevice: "alice-mobile", PeerUserID: 202, PeerDevice: "bob-phone"}
	aliceSess, err := BuildInitiatorSession(aliceP, aliceRec, bundle)
	if err != nil {
		t.Fatalf("build initiator session: %v", err)
	}
	if err := aliceStore.WriteSession(ctx, aliceSess); err != nil {
		t.Fatalf("persist alice session: %v", err)
	}

	bobP := Participants{UserID: 202, LocalDevice: "bob-phone", PeerUserID: 201, PeerDevice: "alice-mobile"}
	bobSess, consumedID, err := BuildResponderSession(bobP, bobRec, aliceSess.PendingPreKey)
	if err != nil {
		t.Fatalf("build responder session: %v", err)
	}
	if consumedID != nil {
		if err := bobIM.ConsumeOneTimePreKey(ctx, bobRec, *consumedID); err != nil {
			t.Fatalf("consume bob one-time pre-key: %v", err)
		}
	}
	if err := bobStore.WriteSession(ctx, bobSess); err != nil {
		t.Fatalf("persist bob session: %v", err)
	}

	return &handshakePair{
		aliceStore: aliceStore, aliceIM: aliceIM, aliceRec: aliceRec, aliceSess: aliceSess, aliceP: aliceP,
		bobStore: bobStore, bobIM: bobIM, bobRec: bobRec, bobSess: bobSess, bobP: bobP,
		consumedOneTimePreKeyID: consumedID,
	}
}
