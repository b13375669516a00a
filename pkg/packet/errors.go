package packet

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

var (
	ErrChainMismatch   = errors.New("previous hash does not match chain head")
	ErrSignature       = errors.New("signature verification failed")
	ErrSequence        = errors.New("sequence number is not head+1")
	ErrProtocolVersion = errors.New("unsupported protocol version")
	ErrMalformed       = errors.New("malformed packet")
)

// VerificationError is a provenance failure carrying its table code.
type VerificationError struct {
	Code   errcodes.Code
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("packet: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("packet: %s: %v: %s", e.Code, e.Err, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func reject(code errcodes.Code, sentinel error, format string, args ...any) error {
	return &VerificationError{Code: code, Err: sentinel, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf returns the provenance code carried by err, or zero.
func CodeOf(err error) errcodes.Code {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return 0
}
