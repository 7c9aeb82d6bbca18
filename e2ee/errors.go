package e2ee

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnlockRequired      Code = "UNLOCK_REQUIRED"
	CodeInvalidRecoveryKey  Code = "INVALID_RECOVERY_KEY"
	CodeRecoveryKeyMismatch Code = "RECOVERY_KEY_MISMATCH"
	CodeNotInitialized      Code = "E2EE_NOT_INITIALIZED"
	CodeAlreadyInitialized  Code = "E2EE_ALREADY_INITIALIZED"
	CodeServerKeyLoad       Code = "SERVER_KEY_LOAD_FAILED"
	CodeServerKeySave       Code = "SERVER_KEY_SAVE_FAILED"
	CodeNotUnlocked         Code = "NOT_UNLOCKED"
	CodeInvalidPayload      Code = "INVALID_PAYLOAD"
	CodeDecryptFailed       Code = "DECRYPT_FAILED"
)

// Error carries a stable code for callers and a message safe to show a
// user. Err is kept for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Code == e.Code
}

var (
	ErrUnlockRequired      = &Error{Code: CodeUnlockRequired, Message: "recovery key is required to unlock data"}
	ErrInvalidRecoveryKey  = &Error{Code: CodeInvalidRecoveryKey, Message: "invalid recovery key format"}
	ErrRecoveryKeyMismatch = &Error{Code: CodeRecoveryKeyMismatch, Message: "recovery key does not match"}
	ErrNotInitialized      = &Error{Code: CodeNotInitialized, Message: "encryption key is not initialized"}
	ErrAlreadyInitialized  = &Error{Code: CodeAlreadyInitialized, Message: "encryption key is already initialized"}
	ErrNotUnlocked         = &Error{Code: CodeNotUnlocked, Message: "encrypted data is locked"}
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}

	return e.Code
}
