package token

import "testing"

func TestLedger_CreateAndTransfer(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	creator := mustKey(t)
	receiver := mustKey(t)
	creatorAddr := keyAddr(creator)
	receiverAddr := keyAddr(receiver)

	create := signedOp(creator, TokenOperation{
		Op: OpCreate, From: creatorAddr, Token: "0xtoken", Amount: 1_000_000,
		Name: "Test Token", Symbol: "TST", Decimals: 8, Timestamp: 1,
	})
	if !l.Apply(create, true) {
		t.Fatal("Create rejected")
	}
	if got := l.Balance("0xtoken", creatorAddr); got != 1_000_000 {
		t.Errorf("creator balance = %d, want 1000000", got)
	}
	if got := l.TotalSupply("0xtoken"); got != 1_000_000 {
		t.Errorf("total supply = %d, want 1000000", got)
	}

	transfer := signedOp(creator, TokenOperation{
		Op: OpTransfer, From: creatorAddr, To: receiverAddr, Token: "0xtoken", Amount: 400_000, Timestamp: 2,
	})
	if !l.Apply(transfer, true) {
		t.Fatal("Transfer rejected")
	}
	if got := l.Balance("0xtoken", creatorAddr); got != 600_000 {
		t.Errorf("creator balance after transfer = %d, want 600000", got)
	}
	if got := l.Balance("0xtoken", receiverAddr); got != 400_000 {
		t.Errorf("receiver balance after transfer = %d, want 400000", got)
	}
	if got := l.TotalSupply("0xtoken"); got != 1_000_000 {
		t.Errorf("total supply after transfer = %d, want unchanged 1000000", got)
	}
}

func TestLedger_TransferInsufficientBalanceRejected(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	owner := mustKey(t)
	other := mustKey(t)
	ownerAddr := keyAddr(owner)
	otherAddr := keyAddr(other)

	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 10, Timestamp: 1})
	if !l.Apply(create, true) {
		t.Fatal("Create rejected")
	}

	transfer := signedOp(owner, TokenOperation{Op: OpTransfer, From: ownerAddr, To: otherAddr, Token: "0xtoken", Amount: 999, Timestamp: 2})
	if l.Apply(transfer, true) {
		t.Fatal("Transfer with insufficient balance should have been rejected")
	}
}

func TestLedger_AllowanceRoundTripAndDedupe(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	owner := mustKey(t)
	spender := mustKey(t)
	receiver := mustKey(t)
	ownerAddr := keyAddr(owner)
	spenderAddr := keyAddr(spender)
	receiverAddr := keyAddr(receiver)

	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 1000, Timestamp: 1})
	l.Apply(create, true)

	approve := signedOp(owner, TokenOperation{Op: OpApprove, From: ownerAddr, Spender: spenderAddr, Token: "0xtoken", Amount: 100, Timestamp: 2})
	if !l.Apply(approve, true) {
		t.Fatal("Approve rejected")
	}
	if got := l.Allowance(ownerAddr, spenderAddr, "0xtoken"); got != 100 {
		t.Errorf("allowance = %d, want 100", got)
	}

	inc := signedOp(owner, TokenOperation{Op: OpIncreaseAllowance, From: ownerAddr, Spender: spenderAddr, Token: "0xtoken", Amount: 50, Timestamp: 3})
	l.Apply(inc, true)
	if got := l.Allowance(ownerAddr, spenderAddr, "0xtoken"); got != 150 {
		t.Errorf("allowance after increase = %d, want 150", got)
	}

	dec := signedOp(owner, TokenOperation{Op: OpDecreaseAllowance, From: ownerAddr, Spender: spenderAddr, Token: "0xtoken", Amount: 200, Timestamp: 4})
	l.Apply(dec, true)
	if got := l.Allowance(ownerAddr, spenderAddr, "0xtoken"); got != 0 {
		t.Errorf("allowance after over-decrease = %d, want 0 (erased)", got)
	}

	// Re-approve, then spend via TransferFrom.
	reapprove := signedOp(owner, TokenOperation{Op: OpApprove, From: ownerAddr, Spender: spenderAddr, Token: "0xtoken", Amount: 300, Timestamp: 5})
	l.Apply(reapprove, true)

	transferFrom := signedOp(spender, TokenOperation{Op: OpTransferFrom, From: ownerAddr, To: receiverAddr, Spender: spenderAddr, Token: "0xtoken", Amount: 120, Timestamp: 6})
	if !l.Apply(transferFrom, true) {
		t.Fatal("TransferFrom rejected")
	}
	if got := l.Allowance(ownerAddr, spenderAddr, "0xtoken"); got != 180 {
		t.Errorf("allowance after TransferFrom = %d, want 180", got)
	}
	if got := l.Balance("0xtoken", receiverAddr); got != 120 {
		t.Errorf("receiver balance = %d, want 120", got)
	}

	// Dedupe: replaying the exact same signed TransferFrom must not double-spend.
	if l.Apply(transferFrom, true) {
		t.Fatal("duplicate TransferFrom should have been rejected")
	}
	if got := l.Balance("0xtoken", receiverAddr); got != 120 {
		t.Errorf("receiver balance after duplicate apply = %d, want unchanged 120", got)
	}
}

func TestLedger_MintBurnAuthorization(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	operator := mustKey(t)
	stranger := mustKey(t)
	operatorAddr := keyAddr(operator)
	strangerAddr := keyAddr(stranger)

	create := signedOp(operator, TokenOperation{Op: OpCreate, From: operatorAddr, Token: "0xtoken", Amount: 0, Timestamp: 1})
	l.Apply(create, true)

	badMint := signedOp(stranger, TokenOperation{Op: OpMint, From: strangerAddr, Token: "0xtoken", Amount: 500, Timestamp: 2})
	if l.Apply(badMint, true) {
		t.Fatal("Mint by non-operator should have been rejected")
	}

	// Mint credits the operator's own balance: there is no "to" parameter.
	goodMint := signedOp(operator, TokenOperation{Op: OpMint, From: operatorAddr, Token: "0xtoken", Amount: 500, Timestamp: 3})
	if !l.Apply(goodMint, true) {
		t.Fatal("Mint by operator rejected")
	}
	if got := l.Balance("0xtoken", operatorAddr); got != 500 {
		t.Errorf("operator balance = %d, want 500", got)
	}
	if got := l.TotalSupply("0xtoken"); got != 500 {
		t.Errorf("total supply = %d, want 500", got)
	}

	// Burn requires no operator authority: the operator burns their own balance.
	burn := signedOp(operator, TokenOperation{Op: OpBurn, From: operatorAddr, Token: "0xtoken", Amount: 200, Timestamp: 4})
	if !l.Apply(burn, true) {
		t.Fatal("Burn rejected")
	}
	if got := l.Balance("0xtoken", operatorAddr); got != 300 {
		t.Errorf("operator balance after burn = %d, want 300", got)
	}
	if got := l.TotalSupply("0xtoken"); got != 300 {
		t.Errorf("total supply after burn = %d, want 300", got)
	}
}

func TestLedger_TransferOwnership(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	original := mustKey(t)
	next := mustKey(t)
	originalAddr := keyAddr(original)
	nextAddr := keyAddr(next)

	create := signedOp(original, TokenOperation{Op: OpCreate, From: originalAddr, Token: "0xtoken", Amount: 0, Timestamp: 1})
	l.Apply(create, true)

	transferOwn := signedOp(original, TokenOperation{Op: OpTransferOwnership, From: originalAddr, To: nextAddr, Token: "0xtoken", Timestamp: 2})
	if !l.Apply(transferOwn, true) {
		t.Fatal("TransferOwnership rejected")
	}
	meta, ok := l.Meta("0xtoken")
	if !ok {
		t.Fatal("token metadata missing")
	}
	if meta.OperatorWallet != nextAddr {
		t.Errorf("operator wallet = %q, want %q", meta.OperatorWallet, nextAddr)
	}

	// The old operator can no longer mint.
	mint := signedOp(original, TokenOperation{Op: OpMint, From: originalAddr, To: originalAddr, Token: "0xtoken", Amount: 1, Timestamp: 3})
	if l.Apply(mint, true) {
		t.Fatal("Mint by former operator should have been rejected")
	}
}

func TestLedger_DuplicateCreateCreditsButKeepsFirstMetadata(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	creator := mustKey(t)
	creatorAddr := keyAddr(creator)

	first := signedOp(creator, TokenOperation{Op: OpCreate, From: creatorAddr, Token: "0xtoken", Amount: 100, Name: "First", Symbol: "FST", Timestamp: 1})
	l.Apply(first, true)

	second := signedOp(creator, TokenOperation{Op: OpCreate, From: creatorAddr, Token: "0xtoken", Amount: 50, Name: "Second", Symbol: "SND", Timestamp: 2})
	if !l.Apply(second, true) {
		t.Fatal("duplicate Create should still be accepted")
	}

	meta, _ := l.Meta("0xtoken")
	if meta.Name != "First" {
		t.Errorf("metadata name = %q, want unchanged %q", meta.Name, "First")
	}
	if got := l.Balance("0xtoken", creatorAddr); got != 150 {
		t.Errorf("balance = %d, want 150 (both creates credited)", got)
	}
}

func TestLedger_ApplyIdempotentUnderFingerprint(t *testing.T) {
	l := newTestLedger(nil, nil, nil)
	creator := mustKey(t)
	creatorAddr := keyAddr(creator)

	create := signedOp(creator, TokenOperation{Op: OpCreate, From: creatorAddr, Token: "0xtoken", Amount: 100, Timestamp: 1})
	if !l.Apply(create, true) {
		t.Fatal("first apply rejected")
	}
	if l.Apply(create, true) {
		t.Fatal("second identical apply should be rejected as duplicate")
	}
	if got := l.Balance("0xtoken", creatorAddr); got != 100 {
		t.Errorf("balance = %d, want 100 (op applied exactly once)", got)
	}
}

func TestLedger_FeeSettlementFailureIsNonFatal(t *testing.T) {
	wallet := &fakeWallet{payErr: errFakePay}
	l := newTestLedger(wallet, newFakeChainView(), nil)
	creator := mustKey(t)
	creatorAddr := keyAddr(creator)

	create := signedOp(creator, TokenOperation{Op: OpCreate, From: creatorAddr, Token: "0xtoken", Amount: 100, Timestamp: 1, WalletName: "w1"})
	if !l.Apply(create, true) {
		t.Fatal("Apply should commit even when fee settlement fails")
	}
	if got := l.GovernanceFees(); got != 0 {
		t.Errorf("governance fees = %d, want 0 (settlement failed)", got)
	}
}
