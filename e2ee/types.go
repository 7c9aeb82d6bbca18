package e2ee

import "time"

const AlgAESGCM = "AES-GCM"

// Envelope is an AES-GCM ciphertext with its nonce, both standard base64.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Iv         string `json:"iv"`
}

// WrappedDataKey is the master data key sealed under the wrapping key of
// one key version.
type WrappedDataKey struct {
	Envelope
	Alg        string `json:"alg"`
	KeyVersion int    `json:"keyVersion"`
}

func (w *WrappedDataKey) Validate() error {
	if w == nil {
		return newError(CodeInvalidPayload, "missing wrapped data key", nil)
	}

	if w.Alg != AlgAESGCM {
		return newError(CodeInvalidPayload, "unsupported wrapping algorithm", nil)
	}

	if w.Ciphertext == "" || w.Iv == "" {
		return newError(CodeInvalidPayload, "wrapped data key is missing ciphertext or iv", nil)
	}

	if w.KeyVersion < 1 {
		return newError(CodeInvalidPayload, "key version must be positive", nil)
	}

	return nil
}

type ServerKeyRecord struct {
	UserId         string         `json:"userId"`
	WrappedDataKey WrappedDataKey `json:"wrappedDataKey"`
	KeyVersion     int            `json:"keyVersion"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TrustedDevice is what one device remembers about one user. WrappedKey
// holds the wrapping key of KeyVersion sealed under DeviceKey.
type TrustedDevice struct {
	UserId     string
	KeyVersion int
	WrappedKey Envelope
	DeviceKey  []byte
	CreatedAt  time.Time
}

type InitResult struct {
	RecoveryKey    string
	KeyVersion     int
	WrappedDataKey WrappedDataKey
}

type UnlockSource string

const (
	SourceDevice   UnlockSource = "device"
	SourceRecovery UnlockSource = "recovery"
)

type UnlockResult struct {
	KeyVersion int
	Source     UnlockSource
}

type RotationResult struct {
	OldKeyVersion  int
	NewKeyVersion  int
	NewRecoveryKey string
	WrappedDataKey WrappedDataKey
}
