package directory

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	_ "github.com/lib/pq"

	"github.com/jaydenbeard/e2ee-messenger/internal/e2ee"
)

// PostgresStore is the server-side pre-key-bundle directory: it persists
// only the public material identities publish (never private keys),
// mirroring internal/db/postgres.go's pooling and ping pattern.
type PostgresStore struct {
	db *sql.DB
}

const directorySchema = `
CREATE TABLE IF NOT EXISTS device_bundles (
	user_id           BIGINT NOT NULL,
	device_id         TEXT NOT NULL,
	identity_key      JSONB NOT NULL,
	signing_key       JSONB NOT NULL,
	signed_prekey_id  BIGINT NOT NULL,
	signed_prekey     JSONB NOT NULL,
	signed_prekey_sig TEXT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS one_time_prekeys (
	user_id   BIGINT NOT NULL,
	device_id TEXT NOT NULL,
	key_id    BIGINT NOT NULL,
	public_key JSONB NOT NULL,
	PRIMARY KEY (user_id, device_id, key_id)
);
CREATE INDEX IF NOT EXISTS one_time_prekeys_lookup ON one_time_prekeys (user_id, device_id);
`

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("directory: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("directory: ping postgres: %w", err)
	}
	if _, err := db.Exec(directorySchema); err != nil {
		return nil, fmt.Errorf("directory: migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func marshalJWK(jwk *jose.JSONWebKey) ([]byte, error) {
	return jwk.MarshalJSON()
}

func unmarshalJWK(raw []byte) (*jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, err
	}
	return &jwk, nil
}

// UploadBundle publishes or replaces a device's published bundle, matching
// §4.3's toSignalPreKeyBundleUpload shape, and tops up its one-time pre-keys.
func (s *PostgresStore) UploadBundle(upload *e2ee.PreKeyBundleUpload) error {
	idJWK, err := e2ee.JWKFromECDHPublicKey(upload.IdentityKey)
	if err != nil {
		return err
	}
	idJWKRaw, err := marshalJWK(idJWK)
	if err != nil {
		return err
	}
	signingJWKRaw, err := marshalJWK(e2ee.JWKFromECDSAPublicKey(upload.IdentitySigningPublicKey))
	if err != nil {
		return err
	}
	spkJWK, err := e2ee.JWKFromECDHPublicKey(upload.SignedPreKey.PublicKey)
	if err != nil {
		return err
	}
	spkJWKRaw, err := marshalJWK(spkJWK)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("directory: begin upload tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO device_bundles (user_id, device_id, identity_key, signing_key, signed_prekey_id, signed_prekey, signed_prekey_sig, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			identity_key = EXCLUDED.identity_key,
			signing_key = EXCLUDED.signing_key,
			signed_prekey_id = EXCLUDED.signed_prekey_id,
			signed_prekey = EXCLUDED.signed_prekey,
			signed_prekey_sig = EXCLUDED.signed_prekey_sig,
			updated_at = now()`,
		upload.UserID, upload.DeviceID, idJWKRaw, signingJWKRaw,
		upload.SignedPreKey.KeyID, spkJWKRaw, base64.StdEncoding.EncodeToString(upload.SignedPreKey.Signature))
	if err != nil {
		return fmt.Errorf("directory: upsert bundle: %w", err)
	}

	for _, otp := range upload.OneTimePreKeys {
		otpJWK, err := e2ee.JWKFromECDHPublicKey(otp.PublicKey)
		if err != nil {
			return err
		}
		otpJWKRaw, err := marshalJWK(otpJWK)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO one_time_prekeys (user_id, device_id, key_id, public_key)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, device_id, key_id) DO NOTHING`,
			upload.UserID, upload.DeviceID, otp.KeyID, otpJWKRaw)
		if err != nil {
			return fmt.Errorf("directory: insert one-time prekey: %w", err)
		}
	}

	return tx.Commit()
}

// ResolveBundles builds the e2ee.BundleList served by GET /bundles/{userId}
// (it takes no context, so it is not itself an e2ee.BundleResolver): it
// returns every device's bundle for userID, consuming one one-time pre-key per device
// (first-fetched, first-gone — mirrors the source's one-shot prekey vend).
func (s *PostgresStore) ResolveBundles(userID int64) (*e2ee.BundleList, error) {
	rows, err := s.db.Query(`
		SELECT device_id, identity_key, signing_key, signed_prekey_id, signed_prekey, signed_prekey_sig, updated_at
		FROM device_bundles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("directory: query bundles: %w", err)
	}
	defer rows.Close()

	list := &e2ee.BundleList{UserID: userID}
	for rows.Next() {
		var deviceID, sigB64 string
		var idRaw, signingRaw, spkRaw []byte
		var spkID uint32
		var updatedAt time.Time
		if err := rows.Scan(&deviceID, &idRaw, &signingRaw, &spkID, &spkRaw, &sigB64, &updatedAt); err != nil {
			return nil, fmt.Errorf("directory: scan bundle: %w", err)
		}

		idJWK, err := unmarshalJWK(idRaw)
		if err != nil {
			return nil, err
		}
		idKey, err := e2ee.ECDHPublicKeyFromJWK(idJWK)
		if err != nil {
			return nil, err
		}
		signingJWK, err := unmarshalJWK(signingRaw)
		if err != nil {
			return nil, err
		}
		signingKey, err := e2ee.ECDSAPublicKeyFromJWK(signingJWK)
		if err != nil {
			return nil, err
		}
		spkJWK, err := unmarshalJWK(spkRaw)
		if err != nil {
			return nil, err
		}
		spkKey, err := e2ee.ECDHPublicKeyFromJWK(spkJWK)
		if err != nil {
			return nil, err
		}
		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			return nil, err
		}

		dev := e2ee.DeviceBundle{
			DeviceID:                 deviceID,
			UserID:                   userID,
			IdentityKey:              idKey,
			IdentitySigningPublicKey: signingKey,
			SignedPreKey:             e2ee.SignedPreKeyBundleEntry{KeyID: spkID, PublicKey: spkKey, Signature: sig},
			UpdatedAt:                updatedAt,
		}

		otp, err := s.consumeOneOneTimePreKey(userID, deviceID)
		if err != nil {
			return nil, err
		}
		dev.OneTimePreKey = otp

		list.Devices = append(list.Devices, dev)
		if updatedAt.After(list.UpdatedAt) {
			list.UpdatedAt = updatedAt
		}
	}
	return list, rows.Err()
}

// SigningKeyForDevice resolves a published device's identity signing public
// key without touching its one-time pre-keys, for internal/directory's ack
// receipt endpoint (VerifyDecryptAck needs the claimed sender's pinned key).
func (s *PostgresStore) SigningKeyForDevice(userID int64, deviceID string) (*e2ee.DeviceBundle, error) {
	var signingRaw []byte
	err := s.db.QueryRow(`SELECT signing_key FROM device_bundles WHERE user_id = $1 AND device_id = $2`, userID, deviceID).Scan(&signingRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: query signing key: %w", err)
	}
	signingJWK, err := unmarshalJWK(signingRaw)
	if err != nil {
		return nil, err
	}
	signingKey, err := e2ee.ECDSAPublicKeyFromJWK(signingJWK)
	if err != nil {
		return nil, err
	}
	return &e2ee.DeviceBundle{UserID: userID, DeviceID: deviceID, IdentitySigningPublicKey: signingKey}, nil
}

func (s *PostgresStore) consumeOneOneTimePreKey(userID int64, deviceID string) (*e2ee.OneTimePreKeyBundleEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("directory: begin consume tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var keyID uint32
	var pubRaw []byte
	err = tx.QueryRow(`
		SELECT key_id, public_key FROM one_time_prekeys
		WHERE user_id = $1 AND device_id = $2 ORDER BY key_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		userID, deviceID).Scan(&keyID, &pubRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: select one-time prekey: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2 AND key_id = $3`, userID, deviceID, keyID); err != nil {
		return nil, fmt.Errorf("directory: delete one-time prekey: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("directory: commit consume tx: %w", err)
	}
	jwk, err := unmarshalJWK(pubRaw)
	if err != nil {
		return nil, err
	}
	pub, err := e2ee.ECDHPublicKeyFromJWK(jwk)
	if err != nil {
		return nil, err
	}
	return &e2ee.OneTimePreKeyBundleEntry{KeyID: keyID, PublicKey: pub}, nil
}
