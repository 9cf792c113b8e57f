package e2ee

import (
	"context"
	"testing"
)

// TestEnsureRatchetSessionsForRecipientsPeerFanOut covers C7's ordinary path:
// a single peer user with one device becomes a ready recipient.
func TestEnsureRatchetSessionsForRecipientsPeerFanOut(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()

	alice := newActorHarness(t, ctx, 201, "alice-mobile")
	bob := newActorHarness(t, ctx, 202, "bob-phone")
	dir.publish(t, bob.im, bob.rec)

	result, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, alice.userID, alice.deviceID, alice.rec, []int64{bob.userID}, dir.resolve)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	if len(result.PendingUserIDs) != 0 {
		t.Fatalf("expected no pending users, got %+v", result.PendingUserIDs)
	}
	if len(result.ReadyRecipients) != 1 || result.ReadyRecipients[0] != (RecipientDevice{UserID: bob.userID, DeviceID: bob.deviceID}) {
		t.Fatalf("expected bob-phone ready, got %+v", result.ReadyRecipients)
	}

	sess, err := alice.store.ReadSession(ctx, Participants{UserID: alice.userID, LocalDevice: alice.deviceID, PeerUserID: bob.userID, PeerDevice: bob.deviceID})
	if err != nil || sess == nil || sess.Status != "ready" {
		t.Fatalf("expected a ready session persisted for bob, got %+v err=%v", sess, err)
	}

	// Calling again is idempotent: the existing session is reused, not
	// rebuilt (ensureInitiatorSession's short-circuit on Status=="ready").
	again, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, alice.userID, alice.deviceID, alice.rec, []int64{bob.userID}, dir.resolve)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if len(again.ReadyRecipients) != 1 {
		t.Fatalf("expected bob still ready on second call, got %+v", again.ReadyRecipients)
	}
}

// TestEnsureRatchetSessionsForRecipientsPendingWhenUnresolvable covers the
// case where the peer's bundle can't be resolved at all: the user is
// reported pending rather than the call failing outright.
func TestEnsureRatchetSessionsForRecipientsPendingWhenUnresolvable(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory() // nobody published

	alice := newActorHarness(t, ctx, 201, "alice-mobile")

	result, err := alice.orch.EnsureRatchetSessionsForRecipients(ctx, alice.userID, alice.deviceID, alice.rec, []int64{999}, dir.resolve)
	if err != nil {
		t.Fatalf("ensure sessions should not itself fail: %v", err)
	}
	if len(result.ReadyRecipients) != 0 {
		t.Fatalf("expected no ready recipients, got %+v", result.ReadyRecipients)
	}
	if len(result.PendingUserIDs) != 1 || result.PendingUserIDs[0] != 999 {
		t.Fatalf("expected user 999 pending, got %+v", result.PendingUserIDs)
	}
}

// TestEnsureRatchetSessionsForRecipientsSelfFanOut covers the self-fan-out
// branch: a second device of the same user becomes ready via a real X3DH
// handshake, and the local device itself is always included as ready.
func TestEnsureRatchetSessionsForRecipientsSelfFanOut(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()

	aliceMobile := newActorHarness(t, ctx, 201, "alice-mobile")
	aliceDesktop := newActorHarness(t, ctx, 201, "alice-desktop")
	dir.publish(t, aliceMobile.im, aliceMobile.rec)
	dir.publish(t, aliceDesktop.im, aliceDesktop.rec)

	result, err := aliceMobile.orch.EnsureRatchetSessionsForRecipients(ctx, aliceMobile.userID, aliceMobile.deviceID, aliceMobile.rec, []int64{201}, dir.resolve)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	if len(result.PendingUserIDs) != 0 {
		t.Fatalf("expected self fan-out not pending, got %+v", result.PendingUserIDs)
	}

	want := map[RecipientDevice]bool{
		{UserID: 201, DeviceID: "alice-mobile"}:  false,
		{UserID: 201, DeviceID: "alice-desktop"}: false,
	}
	for _, r := range result.ReadyRecipients {
		if _, ok := want[r]; !ok {
			t.Fatalf("unexpected ready recipient %+v", r)
		}
		want[r] = true
	}
	for r, seen := range want {
		if !seen {
			t.Fatalf("expected %+v among ready recipients, got %+v", r, result.ReadyRecipients)
		}
	}

	sess, err := aliceMobile.store.ReadSession(ctx, Participants{UserID: 201, LocalDevice: "alice-mobile", PeerUserID: 201, PeerDevice: "alice-mobile"})
	if err != nil || sess == nil || !sess.IsSelfSession {
		t.Fatalf("expected a self-session for alice-mobile's own address, got %+v err=%v", sess, err)
	}
}

// TestEnsureRatchetSessionsDedupesAndRejectsNonPositiveUserIDs covers
// dedupePositiveUserIDs: zero/negative IDs are dropped and duplicates
// collapse to one fan-out attempt.
func TestEnsureRatchetSessionsDedupesAndRejectsNonPositiveUserIDs(t *testing.T) {
	ids := dedupePositiveUserIDs([]int64{5, 0, 5, -3, 7, 7, 7})
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 7 {
		t.Fatalf("expected [5 7], got %+v", ids)
	}
}
