package token

import "errors"

// Rejection errors: the operation is refused and no mutation occurs.
var (
	ErrUnknownOp           = errors.New("unknown token operation kind")
	ErrNegativeAmount      = errors.New("token operation amount must be non-negative")
	ErrUnknownAddressKind  = errors.New("signer is not a valid address")
	ErrNoVerifier          = errors.New("no message verifier configured")
	ErrInvalidSignature    = errors.New("token operation signature invalid")
	ErrSignerRoleMismatch  = errors.New("signer does not match required role")
	ErrDuplicateOp         = errors.New("token operation already seen")
	ErrUnknownToken        = errors.New("token has no metadata (not created)")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
	ErrNotOperator         = errors.New("signer is not the token's operator wallet")
	ErrDegraded            = errors.New("token ledger persistence degraded, rejecting further ops")
)
