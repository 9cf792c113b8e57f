package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// bundleCacheTTL bounds how long a resolved pre-key bundle list is trusted
// before the orchestrator falls back to resolveBundleList again.
const bundleCacheTTL = 30 * time.Second

// BundleCache is the orchestrator's Redis-backed pre-key bundle cache
// (§4.7's resolveBundleList, speeding up repeated fan-out to the same
// peer). A cache miss or Redis error is never fatal; the orchestrator
// always has resolve as the ground truth.
type BundleCache struct {
	client *redis.Client
	logger *log.Logger
}

func NewBundleCache(client *redis.Client) *BundleCache {
	return &BundleCache{
		client: client,
		logger: log.New(os.Stdout, "[E2EE-BUNDLECACHE] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

func bundleCacheKey(userID int64) string {
	return fmt.Sprintf("e2ee:bundle:%d", userID)
}

type wireBundleDevice struct {
	DeviceID                 string                 `json:"deviceId"`
	UserID                   int64                  `json:"userId"`
	IdentityKeyJwk           map[string]interface{} `json:"identityKeyJwk"`
	IdentitySigningPublicJwk map[string]interface{} `json:"identitySigningPublicKeyJwk"`
	SignedPreKeyID           uint32                 `json:"signedPreKeyId"`
	SignedPreKeyJwk          map[string]interface{} `json:"signedPreKeyJwk"`
	SignedPreKeySignature    string                 `json:"signedPreKeySignature"`
	OneTimePreKeyID          *uint32                `json:"oneTimePreKeyId,omitempty"`
	OneTimePreKeyJwk         map[string]interface{} `json:"oneTimePreKeyJwk,omitempty"`
	UpdatedAt                string                 `json:"updatedAt"`
}

type wireBundleList struct {
	UserID    int64              `json:"userId"`
	Username  string             `json:"username,omitempty"`
	Devices   []wireBundleDevice `json:"devices"`
	UpdatedAt string             `json:"updatedAt,omitempty"`
}

func encodeBundleList(list *BundleList) ([]byte, error) {
	w := wireBundleList{UserID: list.UserID, Username: list.Username}
	if !list.UpdatedAt.IsZero() {
		w.UpdatedAt = list.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for _, d := range list.Devices {
		wd := wireBundleDevice{
			DeviceID:                 d.DeviceID,
			UserID:                   d.UserID,
			IdentityKeyJwk:           jwkMapFromECDH(d.IdentityKey),
			IdentitySigningPublicJwk: jwkMapFromECDSA(d.IdentitySigningPublicKey),
			SignedPreKeyID:           d.SignedPreKey.KeyID,
			SignedPreKeyJwk:          jwkMapFromECDH(d.SignedPreKey.PublicKey),
			SignedPreKeySignature:    encodeB64(d.SignedPreKey.Signature),
		}
		if !d.UpdatedAt.IsZero() {
			wd.UpdatedAt = d.UpdatedAt.UTC().Format(time.RFC3339)
		}
		if d.OneTimePreKey != nil {
			id := d.OneTimePreKey.KeyID
			wd.OneTimePreKeyID = &id
			wd.OneTimePreKeyJwk = jwkMapFromECDH(d.OneTimePreKey.PublicKey)
		}
		w.Devices = append(w.Devices, wd)
	}
	return json.Marshal(w)
}

func decodeBundleList(raw []byte) (*BundleList, error) {
	var w wireBundleList
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	list := &BundleList{UserID: w.UserID, Username: w.Username}
	if w.UpdatedAt != "" {
		list.UpdatedAt, _ = time.Parse(time.RFC3339, w.UpdatedAt)
	}
	for _, wd := range w.Devices {
		idKey, err := ecdhFromJWKMap(wd.IdentityKeyJwk)
		if err != nil {
			return nil, err
		}
		signingKey, err := ecdsaFromJWKMap(wd.IdentitySigningPublicJwk)
		if err != nil {
			return nil, err
		}
		spkPub, err := ecdhFromJWKMap(wd.SignedPreKeyJwk)
		if err != nil {
			return nil, err
		}
		sig, err := decodeB64(wd.SignedPreKeySignature)
		if err != nil {
			return nil, err
		}
		dev := DeviceBundle{
			DeviceID:                 wd.DeviceID,
			UserID:                   wd.UserID,
			IdentityKey:              idKey,
			IdentitySigningPublicKey: signingKey,
			SignedPreKey:             SignedPreKeyBundleEntry{KeyID: wd.SignedPreKeyID, PublicKey: spkPub, Signature: sig},
		}
		if wd.UpdatedAt != "" {
			dev.UpdatedAt, _ = time.Parse(time.RFC3339, wd.UpdatedAt)
		}
		if wd.OneTimePreKeyID != nil {
			otpPub, err := ecdhFromJWKMap(wd.OneTimePreKeyJwk)
			if err != nil {
				return nil, err
			}
			dev.OneTimePreKey = &OneTimePreKeyBundleEntry{KeyID: *wd.OneTimePreKeyID, PublicKey: otpPub}
		}
		list.Devices = append(list.Devices, dev)
	}
	return list, nil
}

// EncodeBundleList renders list as the JSON wire format published by
// internal/directory's GET /bundles/{userId}, reused here so the cache and
// the HTTP handler agree on one shape.
func EncodeBundleList(list *BundleList) ([]byte, error) { return encodeBundleList(list) }

// DecodeBundleList parses the wire format produced by EncodeBundleList.
func DecodeBundleList(raw []byte) (*BundleList, error) { return decodeBundleList(raw) }

// Get returns the cached bundle list for userID, if present and well-formed.
func (c *BundleCache) Get(ctx context.Context, userID int64) (*BundleList, bool) {
	raw, err := c.client.Get(ctx, bundleCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("bundle cache get for user %d failed: %v", userID, err)
		}
		return nil, false
	}
	list, err := decodeBundleList(raw)
	if err != nil {
		c.logger.Printf("bundle cache entry for user %d corrupt: %v", userID, err)
		return nil, false
	}
	return list, true
}

// Set caches list for userID with bundleCacheTTL; failures are logged, never fatal.
func (c *BundleCache) Set(ctx context.Context, userID int64, list *BundleList) {
	raw, err := encodeBundleList(list)
	if err != nil {
		c.logger.Printf("bundle cache encode for user %d failed: %v", userID, err)
		return
	}
	if err := c.client.Set(ctx, bundleCacheKey(userID), raw, bundleCacheTTL).Err(); err != nil {
		c.logger.Printf("bundle cache set for user %d failed: %v", userID, err)
	}
}
