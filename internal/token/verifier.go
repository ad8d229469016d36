package token

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// signatureKeyLen is the length of the compressed secp256k1 public key
// appended after the 64-byte Schnorr signature. pkg/crypto.VerifySignature
// is keyed by public key, not address, so a token operation's Signature
// field carries both: sig||pubkey. SchnorrMessageVerifier recovers the
// address from the trailing pubkey and checks it matches the claimed
// signer before verifying the signature itself.
const signatureKeyLen = 33

// SchnorrMessageVerifier implements MessageVerifier using the chain's
// Schnorr/secp256k1 primitives.
type SchnorrMessageVerifier struct{}

// VerifyMessage reports whether signature, interpreted as sig||pubkey,
// both hashes the message to something the embedded pubkey signed and
// derives an address equal to signer.
func (SchnorrMessageVerifier) VerifyMessage(signer string, message string, signature []byte) bool {
	if len(signature) <= signatureKeyLen {
		return false
	}
	sigBytes := signature[:len(signature)-signatureKeyLen]
	pubKey := signature[len(signature)-signatureKeyLen:]

	addr, err := types.ParseAddress(signer)
	if err != nil {
		return false
	}
	if crypto.AddressFromPubKey(pubKey) != addr {
		return false
	}

	hash := crypto.Hash([]byte(message))
	return crypto.VerifySignature(hash[:], sigBytes, pubKey)
}
