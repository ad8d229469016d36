package token

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// Balance returns address's balance of token. Zero for an unknown pair.
func (l *Ledger) Balance(token, address string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(token, address)
}

// Allowance returns how much of token spender may still move on owner's
// behalf.
func (l *Ledger) Allowance(owner, spender, token string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[AllowanceKey{Owner: owner, Spender: spender, Token: token}]
}

// TotalSupply returns the current circulating supply of token.
func (l *Ledger) TotalSupply(token string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSupply[token]
}

// Meta returns the metadata recorded for token, and whether it exists.
func (l *Ledger) Meta(token string) (TokenMeta, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, ok := l.tokenMeta[token]
	return meta, ok
}

// Decimals returns the decimal precision configured for token.
func (l *Ledger) Decimals(token string) (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, ok := l.tokenMeta[token]
	return meta.Decimals, ok
}

// AllTokens returns every token ID that has metadata, in no particular
// order.
func (l *Ledger) AllTokens() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	tokens := make([]string, 0, len(l.tokenMeta))
	for id := range l.tokenMeta {
		tokens = append(tokens, id)
	}
	return tokens
}

// TokensForWallet returns every token ID for which address holds a
// nonzero balance.
func (l *Ledger) TokensForWallet(address string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var tokens []string
	for key, amount := range l.balances {
		if key.Address == address && amount != 0 {
			tokens = append(tokens, key.Token)
		}
	}
	return tokens
}

// History returns a copy of every applied or replayed operation, in the
// order they committed.
func (l *Ledger) History() []TokenOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TokenOperation, len(l.history))
	copy(out, l.history)
	return out
}

// GovernanceFees returns the total governance fee collected so far.
func (l *Ledger) GovernanceFees() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.governanceFees
}

// TipHeight returns the block height the ledger has processed through.
func (l *Ledger) TipHeight() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tipHeight
}

// OperationMemo returns the memo carried by a historical operation
// matching fingerprint fp, if any.
func (l *Ledger) OperationMemo(fp types.Hash) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range l.history {
		if Fingerprint(op) == fp {
			return op.Memo, true
		}
	}
	return "", false
}
