package errors

const (
	DefaultUserRejectedMessage = "Transaction was cancelled in the wallet."
	DefaultRevertMessage       = "The contract rejected this transaction."
	DefaultNetworkMessage      = "Could not reach the network. Check your connection and try again."
	DefaultUnknownMessage      = "Something went wrong. Please try again."
)

// DefaultRevertMessages maps ledger reason codes to user-facing text.
func DefaultRevertMessages() map[string]string {
	return map[string]string{
		"MancerFlow_Overdraw":                  "The amount exceeds what can be withdrawn right now.",
		"MancerFlow_Unauthorized":              "Your account is not allowed to perform this action on the stream.",
		"MancerFlow_StreamNotPaused":           "The stream must be paused first.",
		"MancerFlow_StreamPaused":              "The stream is paused.",
		"MancerFlow_StreamVoided":              "The stream has been voided.",
		"MancerFlow_WithdrawAmountZero":        "The withdrawal amount must be greater than zero.",
		"MancerFlow_WithdrawToZeroAddress":     "Cannot withdraw to the zero address.",
		"MancerFlow_RatePerSecondNotDifferent": "The new rate is the same as the current rate.",
		"MancerFlow_RefundAmountZero":          "The refund amount must be greater than zero.",
		"MancerFlow_RefundOverflow":            "The refund amount exceeds the refundable balance.",
		"MancerFlow_DepositAmountZero":         "The deposit amount must be greater than zero.",
		"MancerFlow_SenderZeroAddress":         "The sender cannot be the zero address.",
		"MancerFlow_InvalidTokenDecimals":      "The token's decimals are not supported.",
		"InsufficientFunds":                    "Insufficient funds for this transaction.",
		"AllowanceBelowZero":                   "The token allowance is too low.",
		"ERC20InsufficientBalance":             "The token balance is too low.",
		"ERC20InsufficientAllowance":           "The token allowance is too low. Approve the amount first.",
	}
}
