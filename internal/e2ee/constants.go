package e2ee

import "time"

// Session and cache bounds (§6).
const (
	DRSessionVersion         = 1
	DRMaxSkip                = 300
	DRMaxSkippedCache        = 600
	SignedPreKeyHistoryLimit = 5
	OneTimePreKeyTarget      = 96
)

// Rotation defaults (§6).
const (
	DefaultKeyMaxAge       = 4 * time.Hour
	DefaultKeyHistoryLimit = 6
)

// HKDF/HMAC info strings (§4.4, §4.5).
const (
	infoX3DHMaster     = "signal-x3dh-v1"
	infoDRRoot         = "e2ee-chat-dr-root-v1"
	infoChainInitiator = "signal-chain-initiator-v1"
	infoChainResponder = "signal-chain-responder-v1"
	infoDRRatchetRK    = "e2ee-chat-dr-rk-v1"
)

// EncryptionSchemeDoubleRatchetV1 is the only envelope scheme this module emits.
const EncryptionSchemeDoubleRatchetV1 = "DOUBLE_RATCHET_V1"

// storeOpenTimeout bounds every secure-store I/O call (§4.2, §5).
const storeOpenTimeout = 5 * time.Second
