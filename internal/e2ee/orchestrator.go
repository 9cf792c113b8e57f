package e2ee

import (
	"context"
	"log"
	"os"
)

// SessionOrchestrator is C7: given a set of recipient users, fetches their
// published bundles, ensures a ready ratchet session per device, and
// reports which recipients are ready to send to.
type SessionOrchestrator struct {
	store   SecureStore
	cache   *BundleCache // optional; nil disables caching
	logger  *log.Logger
}

func NewSessionOrchestrator(store SecureStore, cache *BundleCache) *SessionOrchestrator {
	return &SessionOrchestrator{
		store:  store,
		cache:  cache,
		logger: log.New(os.Stdout, "[E2EE-ORCHESTRATOR] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// EnsureResult is ensureRatchetSessionsForRecipients's return value (§4.7).
type EnsureResult struct {
	ReadyRecipients []RecipientDevice
	PendingUserIDs  []int64
}

func dedupePositiveUserIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// resolveBundleList fetches the bundle list for userID, consulting the
// Redis-backed cache first when configured.
func (o *SessionOrchestrator) resolveBundleList(ctx context.Context, userID int64, resolve BundleResolver) (*BundleList, error) {
	if o.cache != nil {
		if cached, ok := o.cache.Get(ctx, userID); ok {
			return cached, nil
		}
	}
	list, err := resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if o.cache != nil && list != nil {
		o.cache.Set(ctx, userID, list)
	}
	return list, nil
}

// EnsureRatchetSessionsForRecipients is §4.7's ensureRatchetSessionsForRecipients.
func (o *SessionOrchestrator) EnsureRatchetSessionsForRecipients(ctx context.Context, localUser int64, localDevice string, identity *IdentityRecord, peerUserIDs []int64, resolve BundleResolver) (*EnsureResult, error) {
	result := &EnsureResult{}

	for _, peerUserID := range dedupePositiveUserIDs(peerUserIDs) {
		if peerUserID == localUser {
			ready, pending := o.ensureSelfFanOut(ctx, localUser, localDevice, resolve)
			result.ReadyRecipients = append(result.ReadyRecipients, ready...)
			if pending {
				result.PendingUserIDs = append(result.PendingUserIDs, peerUserID)
			}
			continue
		}

		ready, ok := o.ensurePeerFanOut(ctx, localUser, localDevice, peerUserID, resolve)
		result.ReadyRecipients = append(result.ReadyRecipients, ready...)
		if !ok {
			result.PendingUserIDs = append(result.PendingUserIDs, peerUserID)
		}
	}

	return result, nil
}

func (o *SessionOrchestrator) ensureSelfFanOut(ctx context.Context, localUser int64, localDevice string, resolve BundleResolver) ([]RecipientDevice, bool) {
	selfParticipants := Participants{UserID: localUser, LocalDevice: localDevice, PeerUserID: localUser, PeerDevice: localDevice}
	sess, err := o.store.ReadSession(ctx, selfParticipants)
	if err != nil {
		o.logger.Printf("read self-session for user %d failed: %v", localUser, err)
		return nil, true
	}
	if sess == nil {
		sess, err = NewSelfSession(selfParticipants)
		if err != nil {
			o.logger.Printf("mint self-session for user %d failed: %v", localUser, err)
			return nil, true
		}
		if err := o.store.WriteSession(ctx, sess); err != nil {
			o.logger.Printf("persist self-session for user %d failed: %v", localUser, err)
		}
	}
	ready := []RecipientDevice{{UserID: localUser, DeviceID: localDevice}}

	list, err := o.resolveBundleList(ctx, localUser, resolve)
	if err != nil || list == nil || len(list.Devices) == 0 {
		return ready, false
	}

	anyOtherDevice := false
	anySucceeded := false
	for _, dev := range list.Devices {
		if dev.DeviceID == localDevice {
			continue
		}
		anyOtherDevice = true
		p := Participants{UserID: localUser, LocalDevice: localDevice, PeerUserID: localUser, PeerDevice: dev.DeviceID}
		if o.ensureInitiatorSession(ctx, p, dev) {
			anySucceeded = true
			ready = append(ready, RecipientDevice{UserID: localUser, DeviceID: dev.DeviceID})
		}
	}
	pending := anyOtherDevice && !anySucceeded
	return ready, pending
}

func (o *SessionOrchestrator) ensurePeerFanOut(ctx context.Context, localUser int64, localDevice string, peerUserID int64, resolve BundleResolver) ([]RecipientDevice, bool) {
	list, err := o.resolveBundleList(ctx, peerUserID, resolve)
	if err != nil || list == nil || len(list.Devices) == 0 {
		return nil, false
	}

	var ready []RecipientDevice
	for _, dev := range list.Devices {
		p := Participants{UserID: localUser, LocalDevice: localDevice, PeerUserID: peerUserID, PeerDevice: dev.DeviceID}
		if o.ensureInitiatorSession(ctx, p, dev) {
			ready = append(ready, RecipientDevice{UserID: peerUserID, DeviceID: dev.DeviceID})
		}
	}
	return ready, len(ready) > 0
}

// ensureInitiatorSession reuses an existing ready session or creates one
// from dev's published bundle, verifying its signed-pre-key signature
// first (via BuildInitiatorSession -> X3DHInitiate).
func (o *SessionOrchestrator) ensureInitiatorSession(ctx context.Context, p Participants, dev DeviceBundle) bool {
	existing, err := o.store.ReadSession(ctx, p)
	if err != nil {
		o.logger.Printf("read session %s failed: %v", p.SessionID(), err)
		return false
	}
	if existing != nil && existing.Status == "ready" {
		return true
	}

	identity, err := o.localIdentityForSession(ctx, p)
	if err != nil {
		o.logger.Printf("load identity for session %s failed: %v", p.SessionID(), err)
		return false
	}

	sess, err := BuildInitiatorSession(p, identity, &dev)
	if err != nil {
		o.logger.Printf("bootstrap initiator session %s failed: %v", p.SessionID(), err)
		return false
	}
	if err := o.store.WriteSession(ctx, sess); err != nil {
		o.logger.Printf("persist initiator session %s failed: %v", p.SessionID(), err)
		return false
	}
	return true
}

func (o *SessionOrchestrator) localIdentityForSession(ctx context.Context, p Participants) (*IdentityRecord, error) {
	return o.store.ReadIdentity(ctx, p.UserID)
}
