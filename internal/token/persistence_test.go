package token

import (
	"encoding/json"
	"reflect"
	"strconv"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

func TestPersistence_FlushAndLoadRoundTrip(t *testing.T) {
	db := storage.NewMemory()
	l := NewLedger(db, SchnorrMessageVerifier{}, nil, nil, nil, 10_000, 10_000_000, 7_500_000, 0)

	owner := mustKey(t)
	spender := mustKey(t)
	ownerAddr := keyAddr(owner)
	spenderAddr := keyAddr(spender)

	create := signedOp(owner, TokenOperation{Op: OpCreate, From: ownerAddr, Token: "0xtoken", Amount: 1000, Name: "Test", Symbol: "TST", Timestamp: 1})
	approve := signedOp(owner, TokenOperation{Op: OpApprove, From: ownerAddr, Spender: spenderAddr, Token: "0xtoken", Amount: 50, Timestamp: 2})
	if !l.Apply(create, false) {
		t.Fatal("Create rejected")
	}
	if !l.Apply(approve, false) {
		t.Fatal("Approve rejected")
	}

	reloaded := NewLedger(db, SchnorrMessageVerifier{}, nil, nil, nil, 10_000, 10_000_000, 7_500_000, 0)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got := reloaded.Balance("0xtoken", ownerAddr); got != 1000 {
		t.Errorf("balance after reload = %d, want 1000", got)
	}
	if got := reloaded.Allowance(ownerAddr, spenderAddr, "0xtoken"); got != 50 {
		t.Errorf("allowance after reload = %d, want 50", got)
	}
	if got := reloaded.TotalSupply("0xtoken"); got != 1000 {
		t.Errorf("supply after reload = %d, want 1000", got)
	}
	meta, ok := reloaded.Meta("0xtoken")
	if !ok || meta.Name != "Test" {
		t.Errorf("meta after reload = %+v, want Name=Test", meta)
	}
	if got, want := len(reloaded.History()), len(l.History()); got != want {
		t.Errorf("history length after reload = %d, want %d", got, want)
	}

	// Re-applying the already-seen Create must still be rejected as a
	// duplicate: seenOps must have been rebuilt from loaded history.
	if reloaded.Apply(create, false) {
		t.Error("reloaded ledger should still reject a duplicate of a persisted op")
	}
}

func TestPersistence_NoPriorStateLoadsEmpty(t *testing.T) {
	db := storage.NewMemory()
	l := NewLedger(db, SchnorrMessageVerifier{}, nil, nil, nil, 10_000, 10_000_000, 7_500_000, 0)
	if err := l.Load(); err != nil {
		t.Fatalf("Load() on empty store error: %v", err)
	}
	if got := l.TotalSupply("0xtoken"); got != 0 {
		t.Errorf("supply = %d, want 0", got)
	}
}

func TestPersistence_V2MigrationClassifiesWalletSigners(t *testing.T) {
	db := storage.NewMemory()

	legacy := snapshotV2{
		Balances:       []balanceEntry{{Token: "0xtoken", Address: "kgxowneraddr", Amount: 500}},
		TotalSupply:    map[string]int64{"0xtoken": 500},
		GovernanceFees: 42,
		TipHeight:      7,
		WalletSigners: map[string]string{
			"walletA": "kgx1witnessaddr",
			"walletB": "legacyaddr",
		},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy snapshot: %v", err)
	}
	if err := db.WriteBatch(map[string][]byte{
		string(ledgerStateKey):   data,
		string(ledgerVersionKey): []byte(strconv.Itoa(2)),
	}, true); err != nil {
		t.Fatalf("seed v2 snapshot: %v", err)
	}

	l := NewLedger(db, SchnorrMessageVerifier{}, nil, nil, nil, 10_000, 10_000_000, 7_500_000, 0)
	if err := l.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got := l.Balance("0xtoken", "kgxowneraddr"); got != 500 {
		t.Errorf("balance after migration = %d, want 500", got)
	}
	if got := l.GovernanceFees(); got != 42 {
		t.Errorf("governance fees after migration = %d, want 42", got)
	}
	if got := l.TipHeight(); got != 7 {
		t.Errorf("tip height after migration = %d, want 7", got)
	}

	l.mu.Lock()
	witness, ok := l.walletSigners["walletA"]
	legacySigner, ok2 := l.walletSigners["walletB"]
	l.mu.Unlock()
	if !ok || witness.Witness != "kgx1witnessaddr" || witness.Legacy != "" {
		t.Errorf("walletA migrated signer = %+v, want Witness=kgx1witnessaddr", witness)
	}
	if !ok2 || legacySigner.Legacy != "legacyaddr" || legacySigner.Witness != "" {
		t.Errorf("walletB migrated signer = %+v, want Legacy=legacyaddr", legacySigner)
	}

	// Migration must have rewritten the stored snapshot as v3.
	versionBytes, err := db.Get(ledgerVersionKey)
	if err != nil {
		t.Fatalf("read version after migration: %v", err)
	}
	if string(versionBytes) != strconv.Itoa(ledgerVersion) {
		t.Errorf("version after migration = %q, want %q", versionBytes, strconv.Itoa(ledgerVersion))
	}
}

func TestPersistence_UnsupportedVersionRejected(t *testing.T) {
	db := storage.NewMemory()
	if err := db.WriteBatch(map[string][]byte{
		string(ledgerStateKey):   []byte(`{}`),
		string(ledgerVersionKey): []byte(strconv.Itoa(99)),
	}, true); err != nil {
		t.Fatalf("seed future snapshot: %v", err)
	}

	l := NewLedger(db, SchnorrMessageVerifier{}, nil, nil, nil, 10_000, 10_000_000, 7_500_000, 0)
	if err := l.Load(); err == nil {
		t.Error("Load() with unsupported future version should have errored")
	}
}

func TestClassifyAddressKind(t *testing.T) {
	tests := []struct {
		addr string
		want WalletSigner
	}{
		{"kgx1abc", WalletSigner{Witness: "kgx1abc"}},
		{"tkgx1abc", WalletSigner{Witness: "tkgx1abc"}},
		{"kgxlegacyaddr", WalletSigner{Legacy: "kgxlegacyaddr"}},
	}
	for _, tt := range tests {
		if got := classifyAddressKind(tt.addr); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("classifyAddressKind(%q) = %+v, want %+v", tt.addr, got, tt.want)
		}
	}
}
