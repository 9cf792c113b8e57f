package e2ee

// BuildInitiatorSession runs X3DH against a fetched peer device bundle and
// mints a "ready" session carrying the pendingPreKey header that will ride
// the first outgoing messages (§4.4).
func BuildInitiatorSession(local Participants, identity *IdentityRecord, bundle *DeviceBundle) (*RatchetSession, error) {
	chains, ephemeral, err := X3DHInitiate(identity, bundle)
	if err != nil {
		return nil, err
	}

	var otpID *uint32
	if bundle.OneTimePreKey != nil {
		id := bundle.OneTimePreKey.KeyID
		otpID = &id
	}

	sess := &RatchetSession{
		Participants:  local,
		Status:        "ready",
		RootKey:       chains.RootKey,
		SendChainKey:  chains.SendChainKey,
		RecvChainKey:  chains.RecvChainKey,
		Skipped:       newSkippedCache(),
		DHSendPrivate: ephemeral,
		DHSendPublic:  ephemeral.PublicKey(),
		DHRecvPublic:  bundle.SignedPreKey.PublicKey,
		PeerIdentityKey: bundle.IdentityKey,
		PeerSigningKey:  bundle.IdentitySigningPublicKey,
		PendingPreKey: &PreKeyMessageHeader{
			IdentityKey:              identity.IdentityPublic,
			IdentitySigningPublicKey: identity.SigningPublic,
			EphemeralKey:             ephemeral.PublicKey(),
			SignedPreKeyID:           bundle.SignedPreKey.KeyID,
			OneTimePreKeyID:          otpID,
			PreKeyBundleUpdatedAt:    bundle.UpdatedAt,
		},
		UpdatedAt: nowUTC(),
	}
	return sess, nil
}

// BuildResponderSession bootstraps a "ready" session from an incoming
// pre-key message header (§4.4, §4.6 decryptPayload's bootstrap step).
// Returns the session and the one-time pre-key ID consumed, if any.
func BuildResponderSession(local Participants, identity *IdentityRecord, header *PreKeyMessageHeader) (*RatchetSession, *uint32, error) {
	chains, lookup, err := X3DHRespond(identity, header)
	if err != nil {
		return nil, nil, err
	}

	// The responder's first ratchet send key must not equal the signed
	// pre-key Alice already holds as her dhRecvPublic, or her next receive
	// would never detect a change and the DH ratchet step would never fire
	// (§4.5, property P5). Mint a fresh key pair, but derive the send chain
	// through the same kdfRK step Alice's applyDHRatchet will run when she
	// notices the header's DH differs from the SPK she has on file: ECDH is
	// commutative, so DH(freshPriv, aliceEphemeralPub) computed here equals
	// DH(aliceEphemeralPriv, freshPub) computed on her side, and both start
	// from the same X3DH-derived rootKey. Pre-deriving the chain this way
	// (rather than handing out the pre-established responderChain directly)
	// is what makes Bob's very first reply decryptable by Alice.
	dhSendPriv, err := generateECDHKeyPair()
	if err != nil {
		return nil, nil, err
	}
	dhSecret, err := dh(dhSendPriv, header.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	newRoot, sendChain, err := kdfRK(chains.RootKey, dhSecret)
	if err != nil {
		return nil, nil, err
	}

	var consumedID *uint32
	if lookup.OneTimePreKey != nil {
		id := lookup.OneTimePreKey.KeyID
		consumedID = &id
	}

	sess := &RatchetSession{
		Participants:    local,
		Status:          "ready",
		RootKey:         newRoot,
		SendChainKey:    sendChain,
		RecvChainKey:    chains.RecvChainKey,
		Skipped:         newSkippedCache(),
		DHSendPrivate:   dhSendPriv,
		DHSendPublic:    dhSendPriv.PublicKey(),
		DHRecvPublic:    header.EphemeralKey,
		PeerIdentityKey: header.IdentityKey,
		PeerSigningKey:  header.IdentitySigningPublicKey,
		UpdatedAt:       nowUTC(),
	}
	return sess, consumedID, nil
}
