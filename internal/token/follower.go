package token

import (
	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ProcessBlock scans every output in blk for an embedded token operation
// and replays it, then advances the recorded tip height. Blocks below the
// activation height advance the tip without being scanned. Called once per
// connected block, in height order.
func (l *Ledger) ProcessBlock(blk *block.Block, height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if height >= l.activationHeight {
		l.replayBlockLocked(blk, height)
	}
	l.tipHeight = height

	if err := l.flushLocked(); err != nil {
		l.degraded = err
		log.Token.Error().Err(err).Uint64("height", height).Msg("token ledger persistence failed after block")
	}
}

func (l *Ledger) replayBlockLocked(blk *block.Block, height uint64) {
	for _, t := range blk.Transactions {
		for _, out := range t.Outputs {
			if out.Script.Type != types.ScriptTypeTokenOp {
				continue
			}
			op, err := Decode(out.Script.Data)
			if err != nil {
				log.Token.Warn().Err(err).Uint64("height", height).Msg("malformed embedded token operation, skipping")
				continue
			}
			if err := l.replayLocked(op, height); err != nil {
				log.Token.Debug().Err(err).Str("op", op.Op.String()).Uint64("height", height).Msg("embedded token operation replay rejected")
			}
		}
	}
}

// OnBlockDisconnected handles a reorg unwinding blocks starting at height:
// it rescans the ledger forward from the token activation height so that
// state reflects only the blocks that remain on the active chain.
func (l *Ledger) OnBlockDisconnected(height uint64) {
	l.RescanFromHeight(height)
}

// RescanFromHeight clears all replay-derived ledger state and replays
// every embedded operation from the token activation height through the
// chain's current tip. Governance fees, fee-rate configuration, and
// wallet_signers are operational state, not replay output, and survive
// the clear untouched.
func (l *Ledger) RescanFromHeight(height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.chain == nil {
		return
	}

	// All replay-derived state is cleared, so replay always starts at the
	// activation height regardless of where the disconnect happened.
	l.clearStateLocked()

	tip := l.chain.CurrentHeight()
	for h := l.activationHeight; h <= tip; h++ {
		blk, err := l.chain.ReadBlock(h)
		if err != nil {
			log.Token.Error().Err(err).Uint64("height", h).Msg("token ledger rescan: failed to read block")
			continue
		}
		l.replayBlockLocked(blk, h)
	}
	l.tipHeight = tip

	if err := l.flushLocked(); err != nil {
		l.degraded = err
		log.Token.Error().Err(err).Msg("token ledger persistence failed after rescan")
	}
}

// clearStateLocked resets everything RescanFromHeight recomputes by
// replay: balances, allowances, supply, metadata, history, and the
// fingerprint dedupe set. governanceFees, the fee-rate configuration, and
// walletSigners are left untouched.
func (l *Ledger) clearStateLocked() {
	l.balances = make(map[BalanceKey]int64)
	l.allowances = make(map[AllowanceKey]int64)
	l.totalSupply = make(map[string]int64)
	l.tokenMeta = make(map[string]TokenMeta)
	l.history = nil
	l.seenOps = make(map[types.Hash]struct{})
}
