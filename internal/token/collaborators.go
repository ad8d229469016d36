package token

import "github.com/Klingon-tech/klingnet-chain/pkg/block"

// MessageVerifier checks a signature against a signer address and a message.
// Backed in production by a Schnorr/secp256k1 verifier; key storage and
// signing live entirely outside this package.
type MessageVerifier interface {
	VerifyMessage(signer string, message string, signature []byte) bool
}

// WalletService settles governance fees and embeds token operations
// on-chain on behalf of the ledger. A nil WalletService, or one that
// returns an error, degrades the corresponding step to a non-fatal no-op;
// it never causes an operation to be rejected.
type WalletService interface {
	// Pay sends amount base units from walletName to the governance
	// address, returning the transaction ID on success.
	Pay(walletName, to string, amount uint64) (string, error)
	// EmbedTokenOp broadcasts a dust-value output carrying payload as an
	// OP_RETURN-style script, returning the transaction ID on success.
	EmbedTokenOp(walletName string, payload []byte) (string, error)
	// ResolveWalletAddresses returns the legacy and native-segwit
	// addresses associated with a wallet name.
	ResolveWalletAddresses(walletName string) (legacy, witness string, err error)
}

// ChainView exposes the read-only chain state the ledger needs to drive
// block-following and rescans.
type ChainView interface {
	CurrentHeight() uint64
	ReadBlock(height uint64) (*block.Block, error)
	ActivationHeight() uint64
	GovernanceWallet() string
}

// PeerNetwork gossips token operations to the rest of the network and
// reports peer misbehavior. Implemented by an adapter over internal/p2p.
type PeerNetwork interface {
	BroadcastTokenOp(payload []byte) error
	PenalizePeer(peerID string, weight int, reason string)
}
