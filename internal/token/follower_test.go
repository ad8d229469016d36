package token

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestProcessBlock_ReplaysEmbeddedOps(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	creator := mustKey(t)
	creatorAddr := keyAddr(creator)

	create := signedOp(creator, TokenOperation{Op: OpCreate, From: creatorAddr, Token: "0xtoken", Amount: 1000, Timestamp: 1})
	blk := blockWithOps(1, create)

	l.ProcessBlock(blk, 1)

	if got := l.Balance("0xtoken", creatorAddr); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
	if got := l.TipHeight(); got != 1 {
		t.Errorf("tip height = %d, want 1", got)
	}
}

func TestProcessBlock_MalformedOutputSkipped(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	// A block with a non-token-op output and an op referencing an unknown
	// kind should not crash ProcessBlock and should leave state untouched.
	key := mustKey(t)
	unknownKind := signedOp(key, TokenOperation{Op: OpKind(99), From: keyAddr(key), Token: "0xtoken", Amount: 1, Timestamp: 1})
	blk := blockWithOps(1, unknownKind)
	blk.Transactions[0].Outputs = append(blk.Transactions[0].Outputs,
		tx.Output{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)}},
		tx.Output{Value: 546, Script: types.Script{Type: types.ScriptTypeTokenOp, Data: []byte{0xff, 0xff, 0xff}}},
	)
	l.ProcessBlock(blk, 1)

	if got := len(l.History()); got != 0 {
		t.Errorf("history length = %d, want 0 (no op applied)", got)
	}
	if got := l.TipHeight(); got != 1 {
		t.Errorf("tip height = %d, want 1 (advances even with no ops)", got)
	}
}

func TestProcessBlock_RejectedOpDoesNotAdvanceBalances(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	owner := mustKey(t)
	other := mustKey(t)
	ownerAddr := keyAddr(owner)
	otherAddr := keyAddr(other)

	// Transfer with no prior Create: metadata missing, should be rejected
	// during replay but must not stop the rest of the block from applying.
	badTransfer := signedOp(owner, TokenOperation{Op: OpTransfer, From: ownerAddr, To: otherAddr, Token: "0xtoken", Amount: 5, Timestamp: 1})
	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 100, Timestamp: 2})

	blk := blockWithOps(1, badTransfer, create)
	l.ProcessBlock(blk, 1)

	if got := l.Balance("0xtoken", ownerAddr); got != 100 {
		t.Errorf("balance = %d, want 100 (Create still applied after rejected Transfer)", got)
	}
	if got := l.Balance("0xtoken", otherAddr); got != 0 {
		t.Errorf("other balance = %d, want 0 (rejected Transfer had no effect)", got)
	}
}

// TestRescanFromHeight_MatchesDirectReplay checks that rescanning from the
// token activation height reproduces exactly the state a straight-through
// replay of the same blocks produced; every block stays in the chain view,
// so no operation is dropped. Governance fees are covered by
// TestRescanFromHeight_PreservesGovernanceFeesAndWalletSigners.
func TestRescanFromHeight_MatchesDirectReplay(t *testing.T) {
	chainView := newFakeChainView()
	l := NewLedger(nil, SchnorrMessageVerifier{}, nil, chainView, nil, 10_000, 10_000_000, 7_500_000, 0)

	owner := mustKey(t)
	receiver := mustKey(t)
	ownerAddr := keyAddr(owner)
	receiverAddr := keyAddr(receiver)

	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 1000, Timestamp: 1})
	transfer1 := signedOp(owner, TokenOperation{Op: OpTransfer, From: ownerAddr, To: receiverAddr, Token: "0xtoken", Amount: 200, Timestamp: 2})
	transfer2 := signedOp(owner, TokenOperation{Op: OpTransfer, From: ownerAddr, To: receiverAddr, Token: "0xtoken", Amount: 100, Timestamp: 3})

	chainView.addBlock(1, create)
	chainView.addBlock(2, transfer1)
	chainView.addBlock(3, transfer2)

	l.ProcessBlock(chainView.blocks[1], 1)
	l.ProcessBlock(chainView.blocks[2], 2)
	l.ProcessBlock(chainView.blocks[3], 3)

	directOwnerBalance := l.Balance("0xtoken", ownerAddr)
	directReceiverBalance := l.Balance("0xtoken", receiverAddr)
	directSupply := l.TotalSupply("0xtoken")

	// Simulate a reorg disconnecting from height 2 onward: rescan must
	// clear state and replay blocks 1 through 3 from the activation height
	// (0 here) and land on the same totals.
	l.OnBlockDisconnected(2)

	if got := l.Balance("0xtoken", ownerAddr); got != directOwnerBalance {
		t.Errorf("owner balance after rescan = %d, want %d", got, directOwnerBalance)
	}
	if got := l.Balance("0xtoken", receiverAddr); got != directReceiverBalance {
		t.Errorf("receiver balance after rescan = %d, want %d", got, directReceiverBalance)
	}
	if got := l.TotalSupply("0xtoken"); got != directSupply {
		t.Errorf("total supply after rescan = %d, want %d", got, directSupply)
	}
	if got := l.TipHeight(); got != 3 {
		t.Errorf("tip height after rescan = %d, want 3", got)
	}
}

func TestRescanFromHeight_ClampsToActivationHeight(t *testing.T) {
	chainView := newFakeChainView()
	l := NewLedger(nil, SchnorrMessageVerifier{}, nil, chainView, nil, 10_000, 10_000_000, 7_500_000, 5)

	owner := mustKey(t)
	ownerAddr := keyAddr(owner)
	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 10, Timestamp: 1})
	chainView.addBlock(5, create)

	// Disconnect reported at height 1, below activation: rescan must
	// still clamp its start to the activation height.
	l.OnBlockDisconnected(1)

	if got := l.Balance("0xtoken", ownerAddr); got != 10 {
		t.Errorf("balance = %d, want 10 (rescan clamped to activation height 5)", got)
	}
}

func TestRescanFromHeight_PreservesGovernanceFeesAndWalletSigners(t *testing.T) {
	chainView := newFakeChainView()
	wallet := &fakeWallet{}
	l := NewLedger(nil, SchnorrMessageVerifier{}, wallet, chainView, nil, 10_000, 10_000_000, 7_500_000, 0)

	owner := mustKey(t)
	ownerAddr := keyAddr(owner)
	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 10, Timestamp: 1, WalletName: "w1"})

	// Apply locally (not via ProcessBlock) so fee settlement and wallet
	// signer caching run.
	if !l.Apply(create, false) {
		t.Fatal("Create rejected")
	}
	if got := l.GovernanceFees(); got == 0 {
		t.Fatal("expected nonzero governance fees after local apply")
	}
	feesBefore := l.GovernanceFees()

	chainView.addBlock(1, create)
	l.RescanFromHeight(0)

	if got := l.GovernanceFees(); got != feesBefore {
		t.Errorf("governance fees after rescan = %d, want unchanged %d", got, feesBefore)
	}
	l.mu.Lock()
	signer, ok := l.walletSigners["w1"]
	l.mu.Unlock()
	if !ok || signer.Legacy != "legacy-w1" || signer.Witness != "witness-w1" {
		t.Errorf("wallet signer after rescan = %+v (present %v), want cached legacy-w1/witness-w1", signer, ok)
	}
}
