package e2ee

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"
)

// canonicalize renders v as stable, deterministic JSON: object keys sorted
// lexicographically at every depth, arrays left in place, no insignificant
// whitespace, numbers emitted as plain integers. This is security-critical:
// every ECDSA signature in this module is computed over canonicalize's
// output, so two semantically equal payloads must canonicalize to
// byte-identical output regardless of original field order (P8).
func canonicalize(v interface{}) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(val)
		buf.Write(b)
	case int:
		fmt.Fprintf(buf, "%d", val)
	case int32:
		fmt.Fprintf(buf, "%d", val)
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case uint32:
		fmt.Fprintf(buf, "%d", val)
	case uint64:
		fmt.Fprintf(buf, "%d", val)
	case float64:
		if !math.IsInf(val, 0) && val == math.Trunc(val) {
			fmt.Fprintf(buf, "%d", int64(val))
		} else {
			b, _ := json.Marshal(val)
			buf.Write(b)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		// Anything else (structs, typed slices) goes through json.Marshal
		// once to reach the generic shapes handled above.
		b, err := json.Marshal(val)
		if err != nil {
			return
		}
		var generic interface{}
		if err := json.Unmarshal(b, &generic); err != nil {
			return
		}
		writeCanonical(buf, generic)
	}
}

// --- JWK generic maps: used for canonicalization and fingerprinting, by
// store.go's at-rest record codec, and by bundlecache.go's bundle-list wire
// format. jwk.go's jose.JSONWebKey conversions are used by internal/directory. ---

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func ecdhPublicJWKMap(pub *ecdh.PublicKey) map[string]interface{} {
	b := pub.Bytes() // 0x04 || X(32) || Y(32) for P-256
	x := base64.RawURLEncoding.EncodeToString(b[1:33])
	y := base64.RawURLEncoding.EncodeToString(b[33:65])
	return map[string]interface{}{"kty": "EC", "crv": "P-256", "x": x, "y": y}
}

func ecdsaPublicJWKMap(pub *ecdsa.PublicKey) map[string]interface{} {
	x := base64.RawURLEncoding.EncodeToString(leftPad32(pub.X.Bytes()))
	y := base64.RawURLEncoding.EncodeToString(leftPad32(pub.Y.Bytes()))
	return map[string]interface{}{"kty": "EC", "crv": "P-256", "x": x, "y": y}
}

// ratchetKeyFingerprint is the coordinate identity "kty|crv|x|y" (§4.1).
func ratchetKeyFingerprint(pub *ecdh.PublicKey) string {
	m := ecdhPublicJWKMap(pub)
	return fmt.Sprintf("%s|%s|%s|%s", m["kty"], m["crv"], m["x"], m["y"])
}

// signingKeyFingerprint is the stable JSON of the full JWK (§4.1).
func signingKeyFingerprint(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	return string(canonicalize(ecdsaPublicJWKMap(pub)))
}

// --- Canonical payload builders (§4.1, §6). ---

func canonicalSignedPreKeyPayload(pub *ecdh.PublicKey) []byte {
	m := map[string]interface{}{
		"type":         "signal-signed-prekey",
		"publicKeyJwk": ecdhPublicJWKMap(pub),
	}
	return canonicalize(m)
}

func canonicalAckPayload(roomID, messageID, fromUserID int64) ([]byte, error) {
	if roomID <= 0 || messageID <= 0 || fromUserID <= 0 {
		return nil, fmt.Errorf("%w: ack IDs must be positive integers", ErrPreconditionFailed)
	}
	m := map[string]interface{}{
		"type":       "decrypt_ack",
		"roomId":     roomID,
		"messageId":  messageID,
		"fromUserId": fromUserID,
	}
	return canonicalize(m), nil
}

func normalizeCounter(v uint32) int64 {
	return int64(v)
}

func preKeyMessageCanonical(h *PreKeyMessageHeader) map[string]interface{} {
	var signingJWK interface{}
	if h.IdentitySigningPublicKey != nil {
		signingJWK = ecdsaPublicJWKMap(h.IdentitySigningPublicKey)
	}
	var otp interface{}
	if h.OneTimePreKeyID != nil {
		otp = normalizeCounter(*h.OneTimePreKeyID)
	}
	bundleUpdatedAt := ""
	if !h.PreKeyBundleUpdatedAt.IsZero() {
		bundleUpdatedAt = h.PreKeyBundleUpdatedAt.UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"identityKeyJwk":              ecdhPublicJWKMap(h.IdentityKey),
		"identitySigningPublicKeyJwk": signingJWK,
		"ephemeralKeyJwk":             ecdhPublicJWKMap(h.EphemeralKey),
		"signedPreKeyId":              normalizeCounter(h.SignedPreKeyID),
		"oneTimePreKeyId":             otp,
		"preKeyBundleUpdatedAt":       bundleUpdatedAt,
	}
}

func wrappedKeyCanonical(address string, wk *WrappedKey) map[string]interface{} {
	var preKey interface{}
	if wk.PreKeyMessage != nil {
		preKey = preKeyMessageCanonical(wk.PreKeyMessage)
	}
	return map[string]interface{}{
		"address":             address,
		"iv":                  base64.StdEncoding.EncodeToString(wk.IV),
		"wrappedKey":          base64.StdEncoding.EncodeToString(wk.WrappedKey),
		"ratchetDhPublicKeyJwk": ecdhPublicJWKMap(wk.RatchetDHPublicKey),
		"messageNumber":       normalizeCounter(wk.MessageNumber),
		"previousChainLength": normalizeCounter(wk.PreviousChainLength),
		"sessionVersion":      wk.SessionVersion,
		"preKeyMessage":       preKey,
	}
}

// canonicalCipherPayload is what every envelope signature is computed over
// (§4.1). wrappedKeys is rewritten as an array sorted by recipient address
// so that map iteration order never affects the signed bytes.
func canonicalCipherPayload(env *Envelope) []byte {
	addrs := make([]string, 0, len(env.WrappedKeys))
	for a := range env.WrappedKeys {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	wrapped := make([]interface{}, 0, len(addrs))
	for _, addr := range addrs {
		wrapped = append(wrapped, wrappedKeyCanonical(addr, env.WrappedKeys[addr]))
	}

	var senderSigningJWK interface{}
	if env.SenderSigningPublicKey != nil {
		senderSigningJWK = ecdsaPublicJWKMap(env.SenderSigningPublicKey)
	}

	m := map[string]interface{}{
		"ciphertext":                base64.StdEncoding.EncodeToString(env.Ciphertext),
		"messageIv":                 base64.StdEncoding.EncodeToString(env.MessageIV),
		"wrappedKeys":                wrapped,
		"senderPublicKeyJwk":        ecdhPublicJWKMap(env.SenderPublicKey),
		"senderSigningPublicKeyJwk": senderSigningJWK,
		"senderDeviceId":            env.SenderDeviceID,
		"contentType":               env.ContentType,
		"encryptionScheme":          env.EncryptionScheme,
	}
	return canonicalize(m)
}

// --- ECDSA raw64 <-> DER transcoding and dual-form verification (§4.1, P9). ---

type ecdsaASN1Signature struct {
	R, S *big.Int
}

func rawSignatureToDER(raw []byte) ([]byte, error) {
	if len(raw) != 64 {
		return nil, errors.New("e2ee: raw ECDSA signature must be 64 bytes")
	}
	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])
	return asn1.Marshal(ecdsaASN1Signature{R: r, S: s})
}

func derSignatureToRaw(der []byte) ([]byte, error) {
	var sig ecdsaASN1Signature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:])
	return out, nil
}

// normalizeECDSASignatureForTransport returns sig as-is if already raw64;
// otherwise attempts DER->raw64, falling back to the original bytes on
// failure (§4.1).
func normalizeECDSASignatureForTransport(sig []byte) []byte {
	if len(sig) == 64 {
		return sig
	}
	if raw, err := derSignatureToRaw(sig); err == nil {
		return raw
	}
	return sig
}

// verifyECDSASignatureWithFallback tries sig in its given form, then its
// transcoded alternate, until one verifies (§4.1, P9).
func verifyECDSASignatureWithFallback(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if ecdsa.Verify(pub, digest, r, s) {
			return true
		}
		if der, err := rawSignatureToDER(sig); err == nil {
			return ecdsa.VerifyASN1(pub, digest, der)
		}
		return false
	}
	if ecdsa.VerifyASN1(pub, digest, sig) {
		return true
	}
	if raw, err := derSignatureToRaw(sig); err == nil {
		r := new(big.Int).SetBytes(raw[:32])
		s := new(big.Int).SetBytes(raw[32:])
		return ecdsa.Verify(pub, digest, r, s)
	}
	return false
}

// signRaw64 signs the SHA-256 digest of payload and returns the raw r||s
// encoding directly, avoiding DER at the point of signing.
func signRaw64(priv *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("e2ee: sign payload: %w", err)
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}

func sha256Digest(payload []byte) []byte {
	d := sha256.Sum256(payload)
	return d[:]
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
