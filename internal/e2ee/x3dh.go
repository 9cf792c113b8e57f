package e2ee

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var zeroSalt32 = make([]byte, 32)

func hkdfSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("e2ee: hkdf derive: %w", err)
	}
	return out, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// dh computes the P-256 ECDH shared secret X-coordinate (32 bytes).
func dh(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("e2ee: ecdh: %w", err)
	}
	return secret, nil
}

// X3DHResult is the shared master secret plus the chains derived from it
// (§4.4).
type X3DHResult struct {
	Master       []byte // 32 bytes
	RootKey      [32]byte
	SendChainKey [32]byte
	RecvChainKey [32]byte
}

func deriveInitialChains(master []byte) (*X3DHResult, error) {
	rootRaw, err := hkdfSHA256(master, zeroSalt32, []byte(infoDRRoot), 32)
	if err != nil {
		return nil, err
	}
	initiatorChain := hmacSHA256(rootRaw, []byte(infoChainInitiator))
	responderChain := hmacSHA256(rootRaw, []byte(infoChainResponder))
	res := &X3DHResult{Master: master}
	copy(res.RootKey[:], rootRaw)
	copy(res.SendChainKey[:], initiatorChain) // caller remaps for responder role
	copy(res.RecvChainKey[:], responderChain)
	return res, nil
}

// X3DHInitiate is §4.4's initiator flow: local identity + peer's published
// device bundle -> shared master secret and an ephemeral key to publish.
func X3DHInitiate(identity *IdentityRecord, bundle *DeviceBundle) (result *X3DHResult, ephemeralOut *ecdh.PrivateKey, err error) {
	defer func() { observeHandshake("initiator", err) }()

	if !VerifySignedPreKeyBundle(bundle.IdentitySigningPublicKey, bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature) {
		return nil, nil, ErrBundleVerificationFailed
	}

	ephemeral, err := generateECDHKeyPair()
	if err != nil {
		return nil, nil, err
	}

	dh1, err := dh(identity.IdentityPrivate, bundle.SignedPreKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(ephemeral, bundle.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(ephemeral, bundle.SignedPreKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.OneTimePreKey != nil {
		dh4, err := dh(ephemeral, bundle.OneTimePreKey.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		ikm = append(ikm, dh4...)
	}

	master, err := hkdfSHA256(ikm, zeroSalt32, []byte(infoX3DHMaster), 32)
	if err != nil {
		return nil, nil, err
	}
	chains, err := deriveInitialChains(master)
	if err != nil {
		return nil, nil, err
	}
	// Initiator: sendChainKey = initiatorChain, recvChainKey = responderChain (already the default mapping).
	return chains, ephemeral, nil
}

// ResponderBundleLookup resolves the local signed/one-time pre-keys a
// pre-key message header references.
type ResponderBundleLookup struct {
	SignedPreKey  *SignedPreKeyRecord
	OneTimePreKey *OneTimePreKeyRecord // nil if the header referenced none
}

// X3DHRespond is §4.4's responder flow.
func X3DHRespond(identity *IdentityRecord, header *PreKeyMessageHeader) (result *X3DHResult, lookupOut *ResponderBundleLookup, err error) {
	defer func() { observeHandshake("responder", err) }()

	spk := identity.FindSignedPreKey(header.SignedPreKeyID)
	if spk == nil {
		return nil, nil, ErrMissingSignedPreKey
	}
	var otp *OneTimePreKeyRecord
	if header.OneTimePreKeyID != nil {
		otp = identity.FindOneTimePreKey(*header.OneTimePreKeyID)
		if otp == nil {
			return nil, nil, ErrMissingOneTimePreKey
		}
	}

	dh1, err := dh(spk.Private, header.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(identity.IdentityPrivate, header.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(spk.Private, header.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if otp != nil {
		dh4, err := dh(otp.Private, header.EphemeralKey)
		if err != nil {
			return nil, nil, err
		}
		ikm = append(ikm, dh4...)
	}

	master, err := hkdfSHA256(ikm, zeroSalt32, []byte(infoX3DHMaster), 32)
	if err != nil {
		return nil, nil, err
	}
	chains, err := deriveInitialChains(master)
	if err != nil {
		return nil, nil, err
	}
	// Responder: reverse the initiator's mapping.
	chains.SendChainKey, chains.RecvChainKey = chains.RecvChainKey, chains.SendChainKey
	return chains, &ResponderBundleLookup{SignedPreKey: spk, OneTimePreKey: otp}, nil
}
