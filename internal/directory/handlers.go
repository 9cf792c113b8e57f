package directory

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jaydenbeard/e2ee-messenger/internal/e2ee"
)

var requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "e2ee_directory_request_duration_seconds",
	Help: "Directory HTTP request latency by route and status class.",
}, []string{"route", "status_class"})

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[DIRECTORY] failed to encode JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func timed(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		class := fmt.Sprintf("%dxx", sw.status/100)
		requestLatency.WithLabelValues(route, class).Observe(time.Since(started).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// wireOneTimePreKeyEntry and wireSignedPreKeyEntry are the JSON shapes
// device clients upload/download; JWK marshaling keeps the wire format
// identical to what internal/e2ee persists at rest.
type wireOneTimePreKeyEntry struct {
	KeyID     uint32              `json:"keyId"`
	PublicKey jose.JSONWebKey     `json:"publicKeyJwk"`
}

type wireUploadRequest struct {
	DeviceID                 string                  `json:"deviceId"`
	IdentityKey              jose.JSONWebKey         `json:"identityKeyJwk"`
	IdentitySigningPublicKey jose.JSONWebKey         `json:"identitySigningPublicKeyJwk"`
	SignedPreKeyID           uint32                  `json:"signedPreKeyId"`
	SignedPreKey             jose.JSONWebKey         `json:"signedPreKeyJwk"`
	SignedPreKeySignature    string                  `json:"signedPreKeySignature"`
	OneTimePreKeys           []wireOneTimePreKeyEntry `json:"oneTimePreKeys"`
}

// UploadBundleHandler is POST /bundles: publishes the calling user's device
// bundle, rejecting a signed pre-key whose signature doesn't verify under
// the claimed identity signing key (§4.3's contract).
func UploadBundleHandler(store *PostgresStore) http.HandlerFunc {
	return timed("upload_bundle", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing user context")
			return
		}

		var req wireUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.DeviceID == "" {
			req.DeviceID = uuid.NewString()
		}

		identityKey, err := e2ee.ECDHPublicKeyFromJWK(&req.IdentityKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid identity key")
			return
		}
		signingKey, err := e2ee.ECDSAPublicKeyFromJWK(&req.IdentitySigningPublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid signing key")
			return
		}
		spkKey, err := e2ee.ECDHPublicKeyFromJWK(&req.SignedPreKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid signed pre-key")
			return
		}
		sig, err := base64.StdEncoding.DecodeString(req.SignedPreKeySignature)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid signed pre-key signature encoding")
			return
		}
		if !e2ee.VerifySignedPreKeyBundle(signingKey, spkKey, sig) {
			writeError(w, http.StatusBadRequest, "signed pre-key signature verification failed")
			return
		}

		upload := &e2ee.PreKeyBundleUpload{
			UserID:                   userID,
			DeviceID:                 req.DeviceID,
			IdentityKey:              identityKey,
			IdentitySigningPublicKey: signingKey,
			SignedPreKey: e2ee.SignedPreKeyBundleEntry{
				KeyID:     req.SignedPreKeyID,
				PublicKey: spkKey,
				Signature: sig,
			},
		}
		for _, otp := range req.OneTimePreKeys {
			pub, err := e2ee.ECDHPublicKeyFromJWK(&otp.PublicKey)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid one-time pre-key")
				return
			}
			upload.OneTimePreKeys = append(upload.OneTimePreKeys, e2ee.OneTimePreKeyBundleEntry{KeyID: otp.KeyID, PublicKey: pub})
		}

		if err := store.UploadBundle(upload); err != nil {
			log.Printf("[DIRECTORY] upload bundle failed for user %d: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "failed to store bundle")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"deviceId": upload.DeviceID})
	})
}

// GetBundlesHandler is GET /bundles/{userId}: resolves the target user's
// published bundle list, consuming one one-time pre-key per device.
func GetBundlesHandler(store *PostgresStore) http.HandlerFunc {
	return timed("get_bundles", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		userID, err := strconv.ParseInt(vars["userId"], 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid userId")
			return
		}

		list, err := store.ResolveBundles(userID)
		if err != nil {
			log.Printf("[DIRECTORY] resolve bundles failed for user %d: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "failed to resolve bundles")
			return
		}
		if len(list.Devices) == 0 {
			writeError(w, http.StatusNotFound, "no published devices for user")
			return
		}
		raw, err := e2ee.EncodeBundleList(list)
		if err != nil {
			log.Printf("[DIRECTORY] encode bundles failed for user %d: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "failed to encode bundles")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(raw); err != nil {
			log.Printf("[DIRECTORY] write bundles response failed for user %d: %v", userID, err)
		}
	})
}

// wireAckRequest is the body of POST /acks.
type wireAckRequest struct {
	RoomID       int64  `json:"roomId"`
	MessageID    int64  `json:"messageId"`
	FromUserID   int64  `json:"fromUserId"`
	FromDeviceID string `json:"fromDeviceId"`
	Signature    string `json:"signature"`
}

// AckReceiptHandler is POST /acks: a recipient's signDecryptAck receipt,
// verified against the claimed sender's published signing key so the
// original sender can confirm delivery without trusting the transport.
func AckReceiptHandler(store *PostgresStore) http.HandlerFunc {
	return timed("ack_receipt", func(w http.ResponseWriter, r *http.Request) {
		var req wireAckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		sig, err := base64.StdEncoding.DecodeString(req.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid signature encoding")
			return
		}

		dev, err := store.SigningKeyForDevice(req.FromUserID, req.FromDeviceID)
		if err != nil {
			log.Printf("[DIRECTORY] ack signing-key lookup failed for user %d device %s: %v", req.FromUserID, req.FromDeviceID, err)
			writeError(w, http.StatusInternalServerError, "failed to resolve signing key")
			return
		}
		if dev == nil {
			writeError(w, http.StatusNotFound, "no published device for claimed sender")
			return
		}

		ok, err := e2ee.VerifyDecryptAck(req.RoomID, req.MessageID, req.FromUserID, dev.IdentitySigningPublicKey, sig)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "ack signature verification failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
	})
}

// HealthCheck is the Consul check target.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
