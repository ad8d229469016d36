package node

import (
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
)

// ChainAdapter implements token.ChainView over a running *chain.Chain, plus
// the token-economics genesis parameters the chain itself doesn't interpret.
type ChainAdapter struct {
	chain            *chain.Chain
	activationHeight uint64
	governanceWallet string
}

// NewChainAdapter wraps ch with the activation height and governance
// wallet address configured in the active genesis.
func NewChainAdapter(ch *chain.Chain, activationHeight uint64, governanceWallet string) *ChainAdapter {
	return &ChainAdapter{
		chain:            ch,
		activationHeight: activationHeight,
		governanceWallet: governanceWallet,
	}
}

// CurrentHeight returns the chain's current tip height.
func (a *ChainAdapter) CurrentHeight() uint64 {
	return a.chain.Height()
}

// ReadBlock returns the block at height, or an error if unknown.
func (a *ChainAdapter) ReadBlock(height uint64) (*block.Block, error) {
	return a.chain.GetBlockByHeight(height)
}

// ActivationHeight returns the first height at which the ledger processes
// embedded operations.
func (a *ChainAdapter) ActivationHeight() uint64 {
	return a.activationHeight
}

// GovernanceWallet returns the address governance fees are paid to.
func (a *ChainAdapter) GovernanceWallet() string {
	return a.governanceWallet
}
