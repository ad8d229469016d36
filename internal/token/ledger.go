package token

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

const ledgerVersion = 3

// BalanceKey identifies one address's balance of one token.
type BalanceKey struct {
	Token   string
	Address string
}

// AllowanceKey identifies how much of a token spender may move on owner's
// behalf, per §3's AllowanceKey(owner,spender,token) entity.
type AllowanceKey struct {
	Owner   string
	Spender string
	Token   string
}

// Ledger is the in-process fungible-token ledger. A single instance is
// shared across the node; all mutation goes through Apply, Replay,
// RescanFromHeight, and ProcessBlock, each of which takes the lock for the
// duration of the call. There is no recursive locking: public methods are
// thin shells around private *Locked methods, which call each other
// directly rather than re-entering the public API.
type Ledger struct {
	mu sync.Mutex

	balances     map[BalanceKey]int64
	allowances   map[AllowanceKey]int64
	totalSupply  map[string]int64
	tokenMeta    map[string]TokenMeta
	history      []TokenOperation
	seenOps      map[types.Hash]struct{}
	walletSigners map[string]WalletSigner

	governanceFees uint64
	tipHeight      uint64

	feePerVByte       uint64
	createFeePerVByte uint64
	minGovFee         uint64
	activationHeight  uint64

	degraded error

	db       storage.DB
	verifier MessageVerifier
	wallet   WalletService
	chain    ChainView
	peers    PeerNetwork
}

// NewLedger constructs an empty ledger wired to its collaborators. Callers
// should follow with Load to restore any persisted state before serving
// traffic.
func NewLedger(db storage.DB, verifier MessageVerifier, wallet WalletService, chainView ChainView, peers PeerNetwork, feePerVByte, createFeePerVByte, minGovFee, activationHeight uint64) *Ledger {
	return &Ledger{
		balances:      make(map[BalanceKey]int64),
		allowances:    make(map[AllowanceKey]int64),
		totalSupply:   make(map[string]int64),
		tokenMeta:     make(map[string]TokenMeta),
		seenOps:       make(map[types.Hash]struct{}),
		walletSigners: make(map[string]WalletSigner),

		feePerVByte:       feePerVByte,
		createFeePerVByte: createFeePerVByte,
		minGovFee:         minGovFee,
		activationHeight:  activationHeight,

		db:       db,
		verifier: verifier,
		wallet:   wallet,
		chain:    chainView,
		peers:    peers,
	}
}

// SetPeerNetwork wires the gossip collaborator after construction, for
// callers that must bring up the ledger before the P2P node exists.
func (l *Ledger) SetPeerNetwork(peers PeerNetwork) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = peers
}

// SetWalletService wires the fee-settlement and on-chain recording
// collaborator after construction, for callers that enable wallet RPC
// only after the ledger is already running.
func (l *Ledger) SetWalletService(wallet WalletService) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallet = wallet
}

// Apply processes a locally-submitted or gossiped token operation: on
// success it settles the governance fee, records the operation on-chain,
// and gossips it to peers, in addition to mutating ledger state. Reports
// success as a bool; reasons for rejection are logged, never returned to
// the caller as an error, per the ledger's boolean-outcome boundary.
// broadcast controls whether a successful Apply gossips op to peers: true
// for a locally-submitted operation, false when Apply is invoked from the
// gossip adapter's inbound handler to avoid re-flooding the network with
// an operation peers already sent us.
func (l *Ledger) Apply(op TokenOperation, broadcast bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.applyLocked(op, broadcast); err != nil {
		log.Token.Debug().Err(err).Str("op", op.Op.String()).Str("token", op.Token).Msg("token operation rejected")
		return false
	}
	return true
}

// Replay mutates ledger state from an operation already embedded on-chain
// at height, without settling fees, recording on-chain, or gossiping.
// Used by block following and rescans; the anti-double-pay invariant rests
// on Replay never doing what Apply does beyond mutation.
func (l *Ledger) Replay(op TokenOperation, height uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.replayLocked(op, height); err != nil {
		log.Token.Debug().Err(err).Str("op", op.Op.String()).Uint64("height", height).Msg("token operation replay rejected")
		return false
	}
	return true
}

func (l *Ledger) applyLocked(op TokenOperation, broadcast bool) error {
	if l.degraded != nil {
		return l.degraded
	}
	if err := verifySignature(op, l.verifier); err != nil {
		return err
	}

	fp := Fingerprint(op)
	if _, seen := l.seenOps[fp]; seen {
		return ErrDuplicateOp
	}
	if err := l.dispatchLocked(op, l.tipHeight); err != nil {
		return err
	}
	l.seenOps[fp] = struct{}{}
	l.history = append(l.history, op)

	l.cacheWalletSignerLocked(op.WalletName)
	l.settleFeeLocked(op)

	if err := l.flushLocked(); err != nil {
		l.degraded = err
		log.Token.Error().Err(err).Msg("token ledger persistence failed, rejecting further operations")
		return err
	}

	if l.wallet != nil && op.WalletName != "" {
		if _, err := l.wallet.EmbedTokenOp(op.WalletName, Encode(op)); err != nil {
			log.Token.Warn().Err(err).Str("op", op.Op.String()).Msg("on-chain token operation record failed")
		}
	}

	if broadcast && l.peers != nil {
		if err := l.peers.BroadcastTokenOp(Encode(op)); err != nil {
			log.Token.Warn().Err(err).Str("op", op.Op.String()).Msg("token operation gossip failed")
		}
	}

	return nil
}

func (l *Ledger) replayLocked(op TokenOperation, height uint64) error {
	if l.degraded != nil {
		return l.degraded
	}
	if err := verifySignature(op, l.verifier); err != nil {
		return err
	}

	fp := Fingerprint(op)
	if _, seen := l.seenOps[fp]; seen {
		return ErrDuplicateOp
	}
	if err := l.dispatchLocked(op, height); err != nil {
		return err
	}
	l.seenOps[fp] = struct{}{}
	l.history = append(l.history, op)
	return nil
}

// cacheWalletSignerLocked records the legacy and witness addresses for a
// wallet name the first time it's seen, so later lookups (and v2->v3
// migration) don't need the wallet collaborator.
func (l *Ledger) cacheWalletSignerLocked(walletName string) {
	if walletName == "" || l.wallet == nil {
		return
	}
	if _, cached := l.walletSigners[walletName]; cached {
		return
	}
	legacy, witness, err := l.wallet.ResolveWalletAddresses(walletName)
	if err != nil {
		return
	}
	l.walletSigners[walletName] = WalletSigner{Legacy: legacy, Witness: witness}
}

// settleFeeLocked computes the governance fee for op and, if a wallet
// collaborator and routing hint are available, pays it. Fee settlement
// failure is a soft failure: it is logged and the operation still
// commits. governanceFees is only incremented on successful settlement.
func (l *Ledger) settleFeeLocked(op TokenOperation) {
	if l.wallet == nil || op.WalletName == "" {
		return
	}
	fee := l.computeFee(op)
	governanceWallet := ""
	if l.chain != nil {
		governanceWallet = l.chain.GovernanceWallet()
	}
	if _, err := l.wallet.Pay(op.WalletName, governanceWallet, fee); err != nil {
		log.Token.Warn().Err(err).Str("op", op.Op.String()).Msg("governance fee settlement failed")
		return
	}
	l.governanceFees += fee
}

// computeFee prices an operation at serialized_size*rate, floored to
// minGovFee. Create uses createFeePerVByte; every other op kind uses
// feePerVByte.
func (l *Ledger) computeFee(op TokenOperation) uint64 {
	rate := l.feePerVByte
	if op.Op == OpCreate {
		rate = l.createFeePerVByte
	}
	fee := uint64(len(Encode(op))) * rate
	if fee < l.minGovFee {
		fee = l.minGovFee
	}
	return fee
}

func (l *Ledger) dispatchLocked(op TokenOperation, height uint64) error {
	if op.Amount < 0 {
		return ErrNegativeAmount
	}
	switch op.Op {
	case OpCreate:
		return l.createLocked(op, height)
	case OpTransfer:
		return l.transferLocked(op)
	case OpApprove:
		return l.approveLocked(op)
	case OpIncreaseAllowance:
		return l.increaseAllowanceLocked(op)
	case OpDecreaseAllowance:
		return l.decreaseAllowanceLocked(op)
	case OpTransferFrom:
		return l.transferFromLocked(op)
	case OpBurn:
		return l.burnLocked(op)
	case OpMint:
		return l.mintLocked(op)
	case OpTransferOwnership:
		return l.transferOwnershipLocked(op)
	default:
		return ErrUnknownOp
	}
}

func (l *Ledger) createLocked(op TokenOperation, height uint64) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		l.tokenMeta[op.Token] = TokenMeta{
			Name:           op.Name,
			Symbol:         op.Symbol,
			Decimals:       op.Decimals,
			OperatorWallet: op.From,
			CreationHeight: height,
		}
	}
	l.creditBalanceLocked(op.Token, op.From, op.Amount)
	l.totalSupply[op.Token] += op.Amount
	return nil
}

func (l *Ledger) transferLocked(op TokenOperation) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		return ErrUnknownToken
	}
	if l.balanceLocked(op.Token, op.From) < op.Amount {
		return ErrInsufficientBalance
	}
	l.debitBalanceLocked(op.Token, op.From, op.Amount)
	l.creditBalanceLocked(op.Token, op.To, op.Amount)
	return nil
}

func (l *Ledger) approveLocked(op TokenOperation) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		return ErrUnknownToken
	}
	l.allowances[AllowanceKey{Owner: op.From, Spender: op.Spender, Token: op.Token}] = op.Amount
	return nil
}

func (l *Ledger) increaseAllowanceLocked(op TokenOperation) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		return ErrUnknownToken
	}
	key := AllowanceKey{Owner: op.From, Spender: op.Spender, Token: op.Token}
	l.allowances[key] += op.Amount
	return nil
}

func (l *Ledger) decreaseAllowanceLocked(op TokenOperation) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		return ErrUnknownToken
	}
	key := AllowanceKey{Owner: op.From, Spender: op.Spender, Token: op.Token}
	remaining := l.allowances[key] - op.Amount
	if remaining <= 0 {
		delete(l.allowances, key)
	} else {
		l.allowances[key] = remaining
	}
	return nil
}

func (l *Ledger) transferFromLocked(op TokenOperation) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		return ErrUnknownToken
	}
	key := AllowanceKey{Owner: op.From, Spender: op.Spender, Token: op.Token}
	if l.allowances[key] < op.Amount {
		return ErrInsufficientAllowance
	}
	if l.balanceLocked(op.Token, op.From) < op.Amount {
		return ErrInsufficientBalance
	}
	remaining := l.allowances[key] - op.Amount
	if remaining <= 0 {
		delete(l.allowances, key)
	} else {
		l.allowances[key] = remaining
	}
	l.debitBalanceLocked(op.Token, op.From, op.Amount)
	l.creditBalanceLocked(op.Token, op.To, op.Amount)
	return nil
}

func (l *Ledger) burnLocked(op TokenOperation) error {
	if _, exists := l.tokenMeta[op.Token]; !exists {
		return ErrUnknownToken
	}
	if l.balanceLocked(op.Token, op.From) < op.Amount {
		return ErrInsufficientBalance
	}
	l.debitBalanceLocked(op.Token, op.From, op.Amount)
	l.totalSupply[op.Token] -= op.Amount
	return nil
}

func (l *Ledger) mintLocked(op TokenOperation) error {
	meta, exists := l.tokenMeta[op.Token]
	if !exists {
		return ErrUnknownToken
	}
	if meta.OperatorWallet != op.From {
		return ErrNotOperator
	}
	l.creditBalanceLocked(op.Token, op.From, op.Amount)
	l.totalSupply[op.Token] += op.Amount
	return nil
}

func (l *Ledger) transferOwnershipLocked(op TokenOperation) error {
	meta, exists := l.tokenMeta[op.Token]
	if !exists {
		return ErrUnknownToken
	}
	if meta.OperatorWallet != op.From {
		return ErrNotOperator
	}
	meta.OperatorWallet = op.To
	l.tokenMeta[op.Token] = meta
	return nil
}

func (l *Ledger) balanceLocked(token, address string) int64 {
	return l.balances[BalanceKey{Token: token, Address: address}]
}

func (l *Ledger) creditBalanceLocked(token, address string, amount int64) {
	key := BalanceKey{Token: token, Address: address}
	l.balances[key] += amount
}

func (l *Ledger) debitBalanceLocked(token, address string, amount int64) {
	key := BalanceKey{Token: token, Address: address}
	l.balances[key] -= amount
	if l.balances[key] == 0 {
		delete(l.balances, key)
	}
}
