package e2ee

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"

	jose "github.com/go-jose/go-jose/v4"
)

// This module fixes P-256 for every asymmetric key (§3). crypto/ecdh has no
// conversion back to crypto/ecdsa, so ecdhPublicToECDSA/ecdhPrivateToECDSA
// rebuild the ecdsa.PublicKey/PrivateKey from the ecdh key's raw uncompressed
// point; the reverse direction is the stdlib ecdsa.PrivateKey.ECDH()/
// PublicKey.ECDH() added in Go 1.20.

func ecdhPublicToECDSA(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	b := pub.Bytes()
	if len(b) != 65 || b[0] != 0x04 {
		return nil, fmt.Errorf("e2ee: unexpected P-256 public key encoding")
	}
	x := new(big.Int).SetBytes(b[1:33])
	y := new(big.Int).SetBytes(b[33:65])
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

func ecdhPrivateToECDSA(priv *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	pub, err := ecdhPublicToECDSA(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: new(big.Int).SetBytes(priv.Bytes())}, nil
}

// JWKFromECDHPublicKey marshals a P-256 ECDH public key as a JSON Web Key.
func JWKFromECDHPublicKey(pub *ecdh.PublicKey) (*jose.JSONWebKey, error) {
	ecPub, err := ecdhPublicToECDSA(pub)
	if err != nil {
		return nil, err
	}
	return &jose.JSONWebKey{Key: ecPub}, nil
}

// JWKFromECDHPrivateKey marshals a P-256 ECDH private key as a JSON Web Key
// (includes the private scalar "d"; only used for at-rest persistence).
func JWKFromECDHPrivateKey(priv *ecdh.PrivateKey) (*jose.JSONWebKey, error) {
	ecPriv, err := ecdhPrivateToECDSA(priv)
	if err != nil {
		return nil, err
	}
	return &jose.JSONWebKey{Key: ecPriv}, nil
}

// ECDHPublicKeyFromJWK re-imports a persisted or wire-format public key,
// rejecting anything not on P-256 (§4.2: "stale records with non-P-256
// curves are treated as absent").
func ECDHPublicKeyFromJWK(jwk *jose.JSONWebKey) (*ecdh.PublicKey, error) {
	ecPub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("e2ee: jwk is not a P-256 EC public key")
	}
	return ecPub.ECDH()
}

// ECDHPrivateKeyFromJWK re-imports a persisted private key.
func ECDHPrivateKeyFromJWK(jwk *jose.JSONWebKey) (*ecdh.PrivateKey, error) {
	ecPriv, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok || ecPriv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("e2ee: jwk is not a P-256 EC private key")
	}
	return ecPriv.ECDH()
}

func JWKFromECDSAPublicKey(pub *ecdsa.PublicKey) *jose.JSONWebKey {
	return &jose.JSONWebKey{Key: pub}
}

func JWKFromECDSAPrivateKey(priv *ecdsa.PrivateKey) *jose.JSONWebKey {
	return &jose.JSONWebKey{Key: priv}
}

func ECDSAPublicKeyFromJWK(jwk *jose.JSONWebKey) (*ecdsa.PublicKey, error) {
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("e2ee: jwk is not a P-256 ECDSA public key")
	}
	return pub, nil
}

func ECDSAPrivateKeyFromJWK(jwk *jose.JSONWebKey) (*ecdsa.PrivateKey, error) {
	priv, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("e2ee: jwk is not a P-256 ECDSA private key")
	}
	return priv, nil
}

// ecdsaPublicKeyFromScalar rebuilds the public point from a private scalar,
// used when re-hydrating a persisted signing key from its "d" alone.
func ecdsaPublicKeyFromScalar(d *big.Int) *ecdsa.PublicKey {
	curve := elliptic.P256()
	x, y := curve.ScalarBaseMult(d.Bytes())
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
}
