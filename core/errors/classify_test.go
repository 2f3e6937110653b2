package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

type dataError struct {
	msg  string
	data interface{}
}

func (e dataError) Error() string          { return e.msg }
func (e dataError) ErrorData() interface{} { return e.data }

var (
	_ rpc.Error     = codedError{}
	_ rpc.DataError = dataError{}
)

func errorStringPayload(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestClassifyNil(t *testing.T) {
	require.Nil(t, NewClassifier().Classify(nil))
	require.Equal(t, "", NewClassifier().Message(nil))
}

func TestClassifyUserRejection(t *testing.T) {
	classifier := NewClassifier()
	inputs := []error{
		ErrUserRejected,
		fmt.Errorf("sign withdraw: %w", ErrUserRejected),
		codedError{code: 4001, msg: "declined"},
		stderrors.New("MetaMask Tx Signature: User denied transaction signature."),
		stderrors.New("user rejected the request"),
	}
	for _, input := range inputs {
		classified := classifier.Classify(input)
		require.Equal(t, KindUserRejected, classified.Kind, input.Error())
		require.False(t, classified.Disruptive())
		require.Equal(t, DefaultUserRejectedMessage, classified.Message)
	}
}

func TestClassifyUserRejectionBeatsRevertText(t *testing.T) {
	classified := NewClassifier().Classify(stderrors.New("execution reverted: user rejected the request"))
	require.Equal(t, KindUserRejected, classified.Kind)
}

func TestClassifyKnownRevertReason(t *testing.T) {
	classified := NewClassifier().Classify(&RevertError{Reason: "MancerFlow_Overdraw"})
	require.Equal(t, KindContractRevert, classified.Kind)
	require.Equal(t, "MancerFlow_Overdraw", classified.Reason)
	require.Equal(t, DefaultRevertMessages()["MancerFlow_Overdraw"], classified.Message)
	require.True(t, classified.Disruptive())
}

func TestClassifyCustomMessageTable(t *testing.T) {
	classifier := NewClassifier(WithRevertMessages(map[string]string{"MancerFlow_StreamPaused": "Resume the stream first."}))
	classified := classifier.Classify(fmt.Errorf("withdraw: %w", &RevertError{Reason: "MancerFlow_StreamPaused"}))
	require.Equal(t, "Resume the stream first.", classified.Message)
}

func TestClassifyUnmatchedRevertStaysRevert(t *testing.T) {
	classified := NewClassifier().Classify(&RevertError{Reason: "Something_Else"})
	require.Equal(t, KindContractRevert, classified.Kind)
	require.Equal(t, DefaultRevertMessage, classified.Message)

	classified = NewClassifier().Classify(&RevertError{Reason: "Something_Else", Detail: "custom detail"})
	require.Equal(t, "custom detail", classified.Message)

	classified = NewClassifier().Classify(fmt.Errorf("wait: %w", ErrReceiptFailed))
	require.Equal(t, KindContractRevert, classified.Kind)
	require.Equal(t, DefaultRevertMessage, classified.Message)
}

func TestClassifyRevertFromRPCData(t *testing.T) {
	payload := errorStringPayload(t, "not enough balance")
	classified := NewClassifier().Classify(dataError{msg: "execution reverted", data: hexutil.Encode(payload)})
	require.Equal(t, KindContractRevert, classified.Kind)
	require.Equal(t, "Error", classified.Reason)
	require.Equal(t, "not enough balance", classified.Detail)
	require.Equal(t, "not enough balance", classified.Message)
}

func TestClassifyUsesRegisteredDecoder(t *testing.T) {
	selector := crypto.Keccak256([]byte("MancerFlow_StreamVoided(uint256)"))[:4]
	decoder := func(data []byte) (string, string, bool) {
		if len(data) >= 4 && string(data[:4]) == string(selector) {
			return "MancerFlow_StreamVoided", "", true
		}
		return "", "", false
	}
	data := append(append([]byte{}, selector...), make([]byte, 32)...)
	classified := NewClassifier(WithRevertDecoder(decoder)).Classify(dataError{msg: "execution reverted", data: hexutil.Encode(data)})
	require.Equal(t, KindContractRevert, classified.Kind)
	require.Equal(t, "MancerFlow_StreamVoided", classified.Reason)
	require.Equal(t, DefaultRevertMessages()["MancerFlow_StreamVoided"], classified.Message)
}

func TestClassifyRevertFromMessage(t *testing.T) {
	classified := NewClassifier().Classify(stderrors.New("execution reverted: MancerFlow_Unauthorized"))
	require.Equal(t, KindContractRevert, classified.Kind)
	require.Equal(t, "MancerFlow_Unauthorized", classified.Reason)
}

func TestClassifyTransport(t *testing.T) {
	inputs := []error{
		context.DeadlineExceeded,
		&net.OpError{Op: "dial", Net: "tcp", Err: stderrors.New("connection refused")},
		rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"},
		stderrors.New("Post \"http://node\": dial tcp: connection refused"),
	}
	for _, input := range inputs {
		classified := NewClassifier().Classify(input)
		require.Equal(t, KindNetworkOrTransport, classified.Kind, input.Error())
		require.Equal(t, DefaultNetworkMessage, classified.Message)
	}
}

func TestClassifyCancellationIsNotARejection(t *testing.T) {
	// A caller abandoning the request says nothing about the signer.
	err := fmt.Errorf("withdraw: %w", context.Canceled)
	classified := NewClassifier().Classify(err)
	require.Equal(t, KindNetworkOrTransport, classified.Kind)
	require.True(t, classified.Disruptive())
	require.Equal(t, DefaultNetworkMessage, classified.Message)

	classified = NewClassifier().Classify(fmt.Errorf("sign: %w: %w", ErrUserRejected, context.Canceled))
	require.Equal(t, KindUserRejected, classified.Kind)
}

func TestIsTransport(t *testing.T) {
	require.False(t, IsTransport(nil))
	require.True(t, IsTransport(fmt.Errorf("fetch receipt: %w", syscall.ECONNRESET)))
	require.True(t, IsTransport(stderrors.New("read tcp 10.0.0.1:8545: connection reset by peer")))
	require.False(t, IsTransport(stderrors.New("execution reverted")))
	require.False(t, IsTransport(&RevertError{Reason: "MancerFlow_Overdraw"}))
}

func TestClassifyUnknownKeepsRawError(t *testing.T) {
	raw := stderrors.New("gas price oracle returned nonsense")
	classified := NewClassifier().Classify(raw)
	require.Equal(t, KindUnknown, classified.Kind)
	require.Equal(t, DefaultUnknownMessage, classified.Message)
	require.ErrorIs(t, classified, raw)
}

func TestClassifyIsIdempotent(t *testing.T) {
	classifier := NewClassifier()
	first := classifier.Classify(&RevertError{Reason: "MancerFlow_StreamPaused"})
	require.Same(t, first, classifier.Classify(fmt.Errorf("again: %w", first)))
}
