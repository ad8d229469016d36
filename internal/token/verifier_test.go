package token

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

func TestSchnorrMessageVerifier_ShortSignatureRejected(t *testing.T) {
	v := SchnorrMessageVerifier{}
	if v.VerifyMessage("kgx1anything", "message", []byte{1, 2, 3}) {
		t.Error("VerifyMessage accepted a signature shorter than the packed pubkey")
	}
}

func TestSchnorrMessageVerifier_AddressMismatchRejected(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)

	message := "op=1|from=x"
	hash := crypto.Hash([]byte(message))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	packed := append(append([]byte(nil), sig...), key.PublicKey()...)

	claimedSigner := crypto.AddressFromPubKey(other.PublicKey()).String()
	v := SchnorrMessageVerifier{}
	if v.VerifyMessage(claimedSigner, message, packed) {
		t.Error("VerifyMessage accepted a pubkey that doesn't match the claimed signer address")
	}
}

func TestSchnorrMessageVerifier_ValidSignatureAccepted(t *testing.T) {
	key := mustKey(t)
	message := "op=1|from=x"
	hash := crypto.Hash([]byte(message))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	packed := append(append([]byte(nil), sig...), key.PublicKey()...)

	signer := crypto.AddressFromPubKey(key.PublicKey()).String()
	v := SchnorrMessageVerifier{}
	if !v.VerifyMessage(signer, message, packed) {
		t.Error("VerifyMessage rejected a validly signed message")
	}
}
