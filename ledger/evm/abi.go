package evm

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	flowerrors "salaryflow/core/errors"
)

// flowABIJSON covers the flow contract surface used by the ledger client.
const flowABIJSON = `[
 {"type":"function","name":"getStream","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"stream","type":"tuple","components":[
  {"name":"balance","type":"uint128"},
  {"name":"ratePerSecond","type":"uint128"},
  {"name":"sender","type":"address"},
  {"name":"snapshotTime","type":"uint40"},
  {"name":"isStream","type":"bool"},
  {"name":"isTransferable","type":"bool"},
  {"name":"isVoided","type":"bool"},
  {"name":"token","type":"address"},
  {"name":"tokenDecimals","type":"uint8"},
  {"name":"snapshotDebtScaled","type":"uint256"}]}]},
 {"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"balance","type":"uint128"}]},
 {"type":"function","name":"withdrawableAmountOf","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"withdrawableAmount","type":"uint128"}]},
 {"type":"function","name":"refundableAmountOf","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"refundableAmount","type":"uint128"}]},
 {"type":"function","name":"depletionTimeOf","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"depletionTime","type":"uint256"}]},
 {"type":"function","name":"statusOf","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"status","type":"uint8"}]},
 {"type":"function","name":"isPaused","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"result","type":"bool"}]},
 {"type":"function","name":"isVoided","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"result","type":"bool"}]},
 {"type":"function","name":"getSender","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"sender","type":"address"}]},
 {"type":"function","name":"getRecipient","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"recipient","type":"address"}]},
 {"type":"function","name":"getRatePerSecond","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"ratePerSecond","type":"uint128"}]},
 {"type":"function","name":"getToken","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"token","type":"address"}]},
 {"type":"function","name":"getTokenDecimals","stateMutability":"view","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"tokenDecimals","type":"uint8"}]},
 {"type":"function","name":"nextStreamId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"aggregateBalance","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},

 {"type":"function","name":"create","stateMutability":"nonpayable","inputs":[{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"ratePerSecond","type":"uint128"},{"name":"token","type":"address"},{"name":"transferable","type":"bool"}],"outputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"function","name":"createAndDeposit","stateMutability":"nonpayable","inputs":[{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"ratePerSecond","type":"uint128"},{"name":"token","type":"address"},{"name":"transferable","type":"bool"},{"name":"amount","type":"uint128"}],"outputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"amount","type":"uint128"},{"name":"sender","type":"address"},{"name":"recipient","type":"address"}],"outputs":[]},
 {"type":"function","name":"depositViaBroker","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"totalAmount","type":"uint128"},{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"broker","type":"tuple","components":[{"name":"account","type":"address"},{"name":"fee","type":"uint256"}]}],"outputs":[]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"to","type":"address"},{"name":"amount","type":"uint128"}],"outputs":[{"name":"withdrawnAmount","type":"uint128"},{"name":"protocolFeeAmount","type":"uint128"}]},
 {"type":"function","name":"withdrawMax","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"withdrawnAmount","type":"uint128"},{"name":"protocolFeeAmount","type":"uint128"}]},
 {"type":"function","name":"pause","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"restart","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"ratePerSecond","type":"uint128"}],"outputs":[]},
 {"type":"function","name":"adjustRatePerSecond","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"newRatePerSecond","type":"uint128"}],"outputs":[]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"amount","type":"uint128"}],"outputs":[]},
 {"type":"function","name":"refundMax","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[{"name":"refundedAmount","type":"uint128"}]},
 {"type":"function","name":"refundAndPause","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"},{"name":"amount","type":"uint128"}],"outputs":[]},
 {"type":"function","name":"void","stateMutability":"nonpayable","inputs":[{"name":"streamId","type":"uint256"}],"outputs":[]},

 {"type":"event","name":"CreateFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":false},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"ratePerSecond","type":"uint128","indexed":false},{"name":"token","type":"address","indexed":true},{"name":"transferable","type":"bool","indexed":false}]},
 {"type":"event","name":"DepositFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"funder","type":"address","indexed":true},{"name":"amount","type":"uint128","indexed":false}]},
 {"type":"event","name":"AdjustFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"totalDebt","type":"uint256","indexed":false},{"name":"oldRatePerSecond","type":"uint128","indexed":false},{"name":"newRatePerSecond","type":"uint128","indexed":false}]},
 {"type":"event","name":"PauseFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"totalDebt","type":"uint256","indexed":false}]},
 {"type":"event","name":"RestartFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"ratePerSecond","type":"uint128","indexed":false}]},
 {"type":"event","name":"RefundFromFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"amount","type":"uint128","indexed":false}]},
 {"type":"event","name":"VoidFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"caller","type":"address","indexed":false},{"name":"newTotalDebt","type":"uint256","indexed":false},{"name":"writtenOffDebt","type":"uint256","indexed":false}]},
 {"type":"event","name":"WithdrawFromFlowStream","anonymous":false,"inputs":[{"name":"streamId","type":"uint256","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"caller","type":"address","indexed":false},{"name":"withdrawAmount","type":"uint128","indexed":false},{"name":"protocolFeeAmount","type":"uint128","indexed":false}]},

 {"type":"error","name":"MancerFlow_Null","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_Overdraw","inputs":[{"name":"streamId","type":"uint256"},{"name":"amount","type":"uint128"},{"name":"withdrawableAmount","type":"uint128"}]},
 {"type":"error","name":"MancerFlow_Unauthorized","inputs":[{"name":"streamId","type":"uint256"},{"name":"caller","type":"address"}]},
 {"type":"error","name":"MancerFlow_StreamNotPaused","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_StreamPaused","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_StreamVoided","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_WithdrawAmountZero","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_WithdrawToZeroAddress","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_RatePerSecondNotDifferent","inputs":[{"name":"streamId","type":"uint256"},{"name":"ratePerSecond","type":"uint128"}]},
 {"type":"error","name":"MancerFlow_RefundAmountZero","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_RefundOverflow","inputs":[{"name":"streamId","type":"uint256"},{"name":"refundAmount","type":"uint128"},{"name":"refundableAmount","type":"uint128"}]},
 {"type":"error","name":"MancerFlow_DepositAmountZero","inputs":[{"name":"streamId","type":"uint256"}]},
 {"type":"error","name":"MancerFlow_SenderZeroAddress","inputs":[]},
 {"type":"error","name":"MancerFlow_NotStreamSender","inputs":[{"name":"sender","type":"address"},{"name":"streamSender","type":"address"}]},
 {"type":"error","name":"MancerFlow_InvalidTokenDecimals","inputs":[{"name":"token","type":"address"}]}
]`

// erc20ABIJSON covers the token reads and the approval used before deposits.
const erc20ABIJSON = `[
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"error","name":"ERC20InsufficientBalance","inputs":[{"name":"sender","type":"address"},{"name":"balance","type":"uint256"},{"name":"needed","type":"uint256"}]},
 {"type":"error","name":"ERC20InsufficientAllowance","inputs":[{"name":"spender","type":"address"},{"name":"allowance","type":"uint256"},{"name":"needed","type":"uint256"}]},
 {"type":"error","name":"ERC20InvalidSpender","inputs":[{"name":"spender","type":"address"}]}
]`

var (
	flowABI  = mustParseABI("flow", flowABIJSON)
	erc20ABI = mustParseABI("erc20", erc20ABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("evm: parse %s abi: %v", name, err))
	}
	return parsed
}

// streamTuple mirrors the getStream output struct field for field so the
// decoded value converts with abi.ConvertType.
type streamTuple struct {
	Balance            *big.Int
	RatePerSecond      *big.Int
	Sender             common.Address
	SnapshotTime       *big.Int
	IsStream           bool
	IsTransferable     bool
	IsVoided           bool
	Token              common.Address
	TokenDecimals      uint8
	SnapshotDebtScaled *big.Int
}

// brokerTuple is packed as the depositViaBroker broker argument.
type brokerTuple struct {
	Account common.Address
	Fee     *big.Int
}

var errShortRevert = errors.New("evm: revert data shorter than a selector")

// DecodeRevert matches revert data against the flow and token custom errors
// and the standard Error(string) payload. It satisfies errors.RevertDecoder.
func DecodeRevert(data []byte) (reason, detail string, ok bool) {
	if len(data) < 4 {
		return "", "", false
	}
	if msg, err := abi.UnpackRevert(data); err == nil {
		return "Error", msg, true
	}
	for _, parsed := range []*abi.ABI{&flowABI, &erc20ABI} {
		for _, abiErr := range parsed.Errors {
			if !bytes.Equal(abiErr.ID[:4], data[:4]) {
				continue
			}
			values, err := abiErr.Inputs.Unpack(data[4:])
			if err != nil {
				return abiErr.Name, "", true
			}
			return abiErr.Name, formatArgs(abiErr.Inputs, values), true
		}
	}
	return "", "", false
}

var _ flowerrors.RevertDecoder = DecodeRevert

// revertFromData builds a RevertError from raw revert data.
func revertFromData(data []byte) (*flowerrors.RevertError, error) {
	if len(data) < 4 {
		return nil, errShortRevert
	}
	reason, detail, ok := DecodeRevert(data)
	if !ok {
		return &flowerrors.RevertError{Data: data}, nil
	}
	if reason == "Error" {
		return &flowerrors.RevertError{Detail: detail, Data: data}, nil
	}
	return &flowerrors.RevertError{Reason: reason, Detail: detail, Data: data}, nil
}

func formatArgs(args abi.Arguments, values []interface{}) string {
	parts := make([]string, 0, len(values))
	for i, v := range values {
		name := fmt.Sprintf("arg%d", i)
		if i < len(args) && args[i].Name != "" {
			name = args[i].Name
		}
		switch typed := v.(type) {
		case common.Address:
			parts = append(parts, name+"="+typed.Hex())
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", name, typed))
		}
	}
	return strings.Join(parts, ", ")
}
