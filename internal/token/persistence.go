package token

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var (
	ledgerStateKey   = []byte("tokenledger/s")
	ledgerVersionKey = []byte("tokenledger/v")
)

type balanceEntry struct {
	Token   string
	Address string
	Amount  int64
}

type allowanceEntry struct {
	Owner   string
	Spender string
	Token   string
	Amount  int64
}

type tokenMetaEntry struct {
	Token string
	TokenMeta
}

type walletSignerEntryV3 struct {
	Name string
	WalletSigner
}

// snapshotV3 is the current on-disk ledger schema.
type snapshotV3 struct {
	Balances       []balanceEntry
	Allowances     []allowanceEntry
	TotalSupply    map[string]int64
	TokenMeta      []tokenMetaEntry
	History        []TokenOperation
	WalletSigners  []walletSignerEntryV3
	GovernanceFees uint64
	TipHeight      uint64
}

// snapshotV2 is the legacy schema, where wallet_signers mapped a wallet
// name directly to a single address instead of a {legacy,witness} pair.
type snapshotV2 struct {
	Balances       []balanceEntry
	Allowances     []allowanceEntry
	TotalSupply    map[string]int64
	TokenMeta      []tokenMetaEntry
	History        []TokenOperation
	WalletSigners  map[string]string
	GovernanceFees uint64
	TipHeight      uint64
}

// classifyAddressKind reports whether addr looks like a bech32
// native-segwit-style address (current HRP + "1" separator) or a legacy
// address, for migrating v2's flat wallet_signers map.
func classifyAddressKind(addr string) WalletSigner {
	if strings.HasPrefix(addr, types.MainnetHRP+"1") || strings.HasPrefix(addr, types.TestnetHRP+"1") {
		return WalletSigner{Witness: addr}
	}
	return WalletSigner{Legacy: addr}
}

func (l *Ledger) snapshotLocked() snapshotV3 {
	snap := snapshotV3{
		TotalSupply:    make(map[string]int64, len(l.totalSupply)),
		GovernanceFees: l.governanceFees,
		TipHeight:      l.tipHeight,
	}
	for k, v := range l.balances {
		snap.Balances = append(snap.Balances, balanceEntry{Token: k.Token, Address: k.Address, Amount: v})
	}
	for k, v := range l.allowances {
		snap.Allowances = append(snap.Allowances, allowanceEntry{Owner: k.Owner, Spender: k.Spender, Token: k.Token, Amount: v})
	}
	for token, supply := range l.totalSupply {
		snap.TotalSupply[token] = supply
	}
	for token, meta := range l.tokenMeta {
		snap.TokenMeta = append(snap.TokenMeta, tokenMetaEntry{Token: token, TokenMeta: meta})
	}
	snap.History = append(snap.History, l.history...)
	for name, signer := range l.walletSigners {
		snap.WalletSigners = append(snap.WalletSigners, walletSignerEntryV3{Name: name, WalletSigner: signer})
	}
	return snap
}

func (l *Ledger) loadSnapshotLocked(snap snapshotV3) {
	l.balances = make(map[BalanceKey]int64, len(snap.Balances))
	for _, e := range snap.Balances {
		l.balances[BalanceKey{Token: e.Token, Address: e.Address}] = e.Amount
	}
	l.allowances = make(map[AllowanceKey]int64, len(snap.Allowances))
	for _, e := range snap.Allowances {
		l.allowances[AllowanceKey{Owner: e.Owner, Spender: e.Spender, Token: e.Token}] = e.Amount
	}
	l.totalSupply = make(map[string]int64, len(snap.TotalSupply))
	for token, supply := range snap.TotalSupply {
		l.totalSupply[token] = supply
	}
	l.tokenMeta = make(map[string]TokenMeta, len(snap.TokenMeta))
	for _, e := range snap.TokenMeta {
		l.tokenMeta[e.Token] = e.TokenMeta
	}
	l.history = append([]TokenOperation(nil), snap.History...)
	l.walletSigners = make(map[string]WalletSigner, len(snap.WalletSigners))
	for _, e := range snap.WalletSigners {
		l.walletSigners[e.Name] = e.WalletSigner
	}
	l.governanceFees = snap.GovernanceFees
	l.tipHeight = snap.TipHeight

	l.seenOps = make(map[types.Hash]struct{}, len(snap.History))
	for _, op := range snap.History {
		l.seenOps[Fingerprint(op)] = struct{}{}
	}
}

// flushLocked writes the current ledger state and schema version in one
// synced batch. Both keys are written together so a crash never leaves a
// version marker pointing at a state blob from a different schema.
func (l *Ledger) flushLocked() error {
	if l.db == nil {
		return nil
	}
	data, err := json.Marshal(l.snapshotLocked())
	if err != nil {
		return fmt.Errorf("token ledger marshal snapshot: %w", err)
	}
	entries := map[string][]byte{
		string(ledgerStateKey):   data,
		string(ledgerVersionKey): []byte(strconv.Itoa(ledgerVersion)),
	}
	if err := l.db.WriteBatch(entries, true); err != nil {
		return fmt.Errorf("token ledger flush: %w", err)
	}
	return nil
}

// Load restores ledger state from storage. An absent version key means no
// prior state and leaves the ledger empty. A v2 snapshot is migrated to v3
// in place (wallet_signers rewritten from name->address to
// name->{legacy,witness}) and re-flushed. Any version beyond the current
// schema is refused.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	has, err := l.db.Has(ledgerVersionKey)
	if err != nil {
		return fmt.Errorf("token ledger load: %w", err)
	}
	if !has {
		return nil
	}

	versionBytes, err := l.db.Get(ledgerVersionKey)
	if err != nil {
		return fmt.Errorf("token ledger load version: %w", err)
	}
	version, err := strconv.Atoi(string(versionBytes))
	if err != nil {
		return fmt.Errorf("token ledger load: malformed version marker: %w", err)
	}

	stateBytes, err := l.db.Get(ledgerStateKey)
	if err != nil {
		return fmt.Errorf("token ledger load state: %w", err)
	}

	switch {
	case version == ledgerVersion:
		var snap snapshotV3
		if err := json.Unmarshal(stateBytes, &snap); err != nil {
			return fmt.Errorf("token ledger load: unmarshal v%d snapshot: %w", version, err)
		}
		l.loadSnapshotLocked(snap)
		return nil

	case version == 2:
		var legacy snapshotV2
		if err := json.Unmarshal(stateBytes, &legacy); err != nil {
			return fmt.Errorf("token ledger load: unmarshal v2 snapshot: %w", err)
		}
		migrated := snapshotV3{
			Balances:       legacy.Balances,
			Allowances:     legacy.Allowances,
			TotalSupply:    legacy.TotalSupply,
			TokenMeta:      legacy.TokenMeta,
			History:        legacy.History,
			GovernanceFees: legacy.GovernanceFees,
			TipHeight:      legacy.TipHeight,
		}
		for name, addr := range legacy.WalletSigners {
			migrated.WalletSigners = append(migrated.WalletSigners, walletSignerEntryV3{
				Name:         name,
				WalletSigner: classifyAddressKind(addr),
			})
		}
		l.loadSnapshotLocked(migrated)
		return l.flushLocked()

	default:
		return fmt.Errorf("token ledger load: unsupported snapshot version %d", version)
	}
}
