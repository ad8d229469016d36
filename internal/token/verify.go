package token

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// verifySignature runs the signature gate described by the operation's
// signing invariants: the signer must decode to a valid address, the
// signature must check out over the canonical signing message, and the
// signer must hold the role the operation kind requires. Role bindings
// that depend on ledger state (Mint's operator-wallet check) are left to
// the caller, which has the lock held.
func verifySignature(op TokenOperation, verifier MessageVerifier) error {
	if _, err := types.ParseAddress(op.Signer); err != nil {
		return ErrUnknownAddressKind
	}

	if verifier == nil {
		return ErrNoVerifier
	}

	message := SigningMessage(op)
	if !verifier.VerifyMessage(op.Signer, message, op.Signature) {
		return ErrInvalidSignature
	}

	required := op.From
	if op.Op == OpTransferFrom {
		required = op.Spender
	}
	if op.Signer != required {
		return ErrSignerRoleMismatch
	}

	return nil
}
