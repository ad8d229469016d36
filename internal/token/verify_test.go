package token

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// signOp produces a valid signature for op signed by key, using the
// sig||pubkey packing SchnorrMessageVerifier expects, and sets op.Signer
// to the address derived from key.
func signOp(t *testing.T, key *crypto.PrivateKey, op TokenOperation) TokenOperation {
	t.Helper()
	addr := crypto.AddressFromPubKey(key.PublicKey())
	op.Signer = addr.String()

	message := SigningMessage(op)
	hash := crypto.Hash([]byte(message))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	op.Signature = append(append([]byte(nil), sig...), key.PublicKey()...)
	return op
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestVerifySignature_Valid(t *testing.T) {
	key := mustKey(t)
	op := TokenOperation{Op: OpTransfer, To: "x", Amount: 1}
	op.From = crypto.AddressFromPubKey(key.PublicKey()).String()
	op = signOp(t, key, op)

	if err := verifySignature(op, SchnorrMessageVerifier{}); err != nil {
		t.Errorf("verifySignature() = %v, want nil", err)
	}
}

func TestVerifySignature_RoleMismatch(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)
	op := TokenOperation{Op: OpTransfer, To: "x", Amount: 1}
	op.From = crypto.AddressFromPubKey(other.PublicKey()).String()
	op = signOp(t, key, op) // signed by key, but From belongs to other

	if err := verifySignature(op, SchnorrMessageVerifier{}); err != ErrSignerRoleMismatch {
		t.Errorf("verifySignature() = %v, want ErrSignerRoleMismatch", err)
	}
}

func TestVerifySignature_TransferFromRequiresSpender(t *testing.T) {
	spenderKey := mustKey(t)
	op := TokenOperation{Op: OpTransferFrom, From: "owner", To: "dest", Amount: 1}
	op.Spender = crypto.AddressFromPubKey(spenderKey.PublicKey()).String()
	op = signOp(t, spenderKey, op)

	if err := verifySignature(op, SchnorrMessageVerifier{}); err != nil {
		t.Errorf("verifySignature() = %v, want nil", err)
	}
}

func TestVerifySignature_TamperedMessageFails(t *testing.T) {
	key := mustKey(t)
	op := TokenOperation{Op: OpTransfer, To: "x", Amount: 1}
	op.From = crypto.AddressFromPubKey(key.PublicKey()).String()
	op = signOp(t, key, op)

	op.Amount = 999 // invalidates the signed message without re-signing

	if err := verifySignature(op, SchnorrMessageVerifier{}); err != ErrInvalidSignature {
		t.Errorf("verifySignature() = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignature_UnknownAddressKind(t *testing.T) {
	op := TokenOperation{Op: OpTransfer, From: "not-an-address", To: "x", Amount: 1}
	op.Signer = op.From

	if err := verifySignature(op, SchnorrMessageVerifier{}); err != ErrUnknownAddressKind {
		t.Errorf("verifySignature() = %v, want ErrUnknownAddressKind", err)
	}
}

func TestVerifySignature_NoVerifier(t *testing.T) {
	key := mustKey(t)
	op := TokenOperation{Op: OpTransfer, To: "x", Amount: 1}
	op.From = crypto.AddressFromPubKey(key.PublicKey()).String()
	op = signOp(t, key, op)

	if err := verifySignature(op, nil); err != ErrNoVerifier {
		t.Errorf("verifySignature() = %v, want ErrNoVerifier", err)
	}
}
