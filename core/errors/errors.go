package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is the closed set of failure categories surfaced to callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindUserRejected
	KindContractRevert
	KindNetworkOrTransport
)

func (k Kind) String() string {
	switch k {
	case KindUserRejected:
		return "user_rejected"
	case KindContractRevert:
		return "contract_revert"
	case KindNetworkOrTransport:
		return "network"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	// ErrUserRejected is returned by signers when the account holder declines.
	ErrUserRejected = stderrors.New("signer: user rejected the request")
	// ErrReceiptFailed reports a mined transaction whose receipt status is failure.
	ErrReceiptFailed = stderrors.New("ledger: transaction reverted")
)

// RevertError carries a decoded ledger rejection.
type RevertError struct {
	Reason string
	Detail string
	Data   []byte
}

func (e *RevertError) Error() string {
	switch {
	case e.Reason != "" && e.Detail != "":
		return fmt.Sprintf("execution reverted: %s: %s", e.Reason, e.Detail)
	case e.Reason != "":
		return "execution reverted: " + e.Reason
	case e.Detail != "":
		return "execution reverted: " + e.Detail
	default:
		return "execution reverted"
	}
}

// Classified is a failure mapped onto the taxonomy. Err keeps the raw cause.
type Classified struct {
	Kind    Kind   `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return c.Message
	}
	return fmt.Sprintf("%s: %v", c.Message, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// Disruptive reports whether the failure should be presented as an alert.
// User rejections are expected outcomes and never are.
func (c *Classified) Disruptive() bool {
	return c != nil && c.Kind != KindUserRejected
}
