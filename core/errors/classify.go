package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// userRejectedCode is the EIP-1193 provider error for a declined request.
const userRejectedCode = 4001

var userRejectedPhrases = []string{"user rejected", "user denied", "rejected by user"}

var transportPhrases = []string{"connection refused", "connection reset", "no such host", "i/o timeout", "unexpected eof", "tls handshake", "server misbehaving", "too many requests"}

// RevertDecoder turns raw revert data into a reason code and optional detail.
type RevertDecoder func(data []byte) (reason, detail string, ok bool)

// Classifier maps raw failures onto the taxonomy.
type Classifier struct {
	messages        map[string]string
	decoders        []RevertDecoder
	rejectedMessage string
	revertMessage   string
	networkMessage  string
	unknownMessage  string
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithRevertMessages overlays reason code messages on the defaults.
func WithRevertMessages(messages map[string]string) Option {
	return func(c *Classifier) {
		for reason, message := range messages {
			reason = strings.TrimSpace(reason)
			if reason == "" || strings.TrimSpace(message) == "" {
				continue
			}
			c.messages[reason] = message
		}
	}
}

// WithRevertDecoder registers a decoder tried before the standard Error(string)
// payload.
func WithRevertDecoder(decoder RevertDecoder) Option {
	return func(c *Classifier) {
		if decoder != nil {
			c.decoders = append(c.decoders, decoder)
		}
	}
}

// WithFallbackMessages overrides the per-category generic messages. Empty
// values keep the defaults.
func WithFallbackMessages(rejected, revert, network, unknown string) Option {
	return func(c *Classifier) {
		if rejected != "" {
			c.rejectedMessage = rejected
		}
		if revert != "" {
			c.revertMessage = revert
		}
		if network != "" {
			c.networkMessage = network
		}
		if unknown != "" {
			c.unknownMessage = unknown
		}
	}
}

// NewClassifier builds a classifier with the default reason table.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		messages:        DefaultRevertMessages(),
		rejectedMessage: DefaultUserRejectedMessage,
		revertMessage:   DefaultRevertMessage,
		networkMessage:  DefaultNetworkMessage,
		unknownMessage:  DefaultUnknownMessage,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify maps err onto exactly one category. A nil error yields nil. The
// method never panics and never returns an unclassified error.
func (c *Classifier) Classify(err error) *Classified {
	if err == nil {
		return nil
	}
	if c == nil {
		c = NewClassifier()
	}
	var classified *Classified
	if stderrors.As(err, &classified) && classified != nil {
		return classified
	}
	if isUserRejection(err) {
		return &Classified{Kind: KindUserRejected, Message: c.rejectedMessage, Err: err}
	}
	if reason, detail, ok := c.revertOf(err); ok {
		return &Classified{Kind: KindContractRevert, Reason: reason, Detail: detail, Message: c.revertText(reason, detail), Err: err}
	}
	if isTransport(err) {
		return &Classified{Kind: KindNetworkOrTransport, Message: c.networkMessage, Err: err}
	}
	return &Classified{Kind: KindUnknown, Message: c.unknownMessage, Err: err}
}

// Message returns the user-facing text for err, or "" when err is nil.
func (c *Classifier) Message(err error) string {
	if classified := c.Classify(err); classified != nil {
		return classified.Message
	}
	return ""
}

func (c *Classifier) revertText(reason, detail string) string {
	if message, ok := c.messages[reason]; ok {
		return message
	}
	if detail != "" {
		return detail
	}
	return c.revertMessage
}

func isUserRejection(err error) bool {
	if stderrors.Is(err, ErrUserRejected) {
		return true
	}
	var coded rpc.Error
	if stderrors.As(err, &coded) && coded.ErrorCode() == userRejectedCode {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), userRejectedPhrases)
}

func (c *Classifier) revertOf(err error) (string, string, bool) {
	var revert *RevertError
	if stderrors.As(err, &revert) {
		if revert.Reason == "" && len(revert.Data) > 0 {
			if reason, detail, ok := c.decode(revert.Data); ok {
				return reason, detail, true
			}
		}
		return revert.Reason, revert.Detail, true
	}
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			if reason, detail, ok := c.decode(data); ok {
				return reason, detail, true
			}
			return "", "", true
		}
	}
	if stderrors.Is(err, ErrReceiptFailed) {
		return "", "", true
	}
	msg := err.Error()
	if idx := strings.Index(strings.ToLower(msg), "execution reverted"); idx >= 0 {
		rest := strings.TrimSpace(msg[idx+len("execution reverted"):])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		if _, known := c.messages[rest]; known {
			return rest, "", true
		}
		return "", rest, true
	}
	return "", "", false
}

func (c *Classifier) decode(data []byte) (string, string, bool) {
	for _, decoder := range c.decoders {
		if reason, detail, ok := decoder(data); ok {
			return reason, detail, true
		}
	}
	if detail, err := abi.UnpackRevert(data); err == nil {
		return "Error", detail, true
	}
	return "", "", false
}

func revertData(raw interface{}) ([]byte, bool) {
	switch v := raw.(type) {
	case string:
		data, err := hexutil.Decode(v)
		if err != nil || len(data) < 4 {
			return nil, false
		}
		return data, true
	case []byte:
		return v, len(v) >= 4
	case map[string]interface{}:
		if inner, ok := v["data"]; ok {
			return revertData(inner)
		}
	}
	return nil, false
}

// IsTransport reports whether err is a network or node failure rather than
// an answer from the chain.
func IsTransport(err error) bool {
	return err != nil && isTransport(err)
}

func isTransport(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if stderrors.As(err, &httpErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), transportPhrases)
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
