package token

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

type fakeWallet struct {
	mu        sync.Mutex
	payErr    error
	embedErr  error
	pays      int
	embeds    int
	addresses map[string][2]string
}

func (w *fakeWallet) Pay(walletName, to string, amount uint64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.payErr != nil {
		return "", w.payErr
	}
	w.pays++
	return "paytx", nil
}

func (w *fakeWallet) EmbedTokenOp(walletName string, payload []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.embedErr != nil {
		return "", w.embedErr
	}
	w.embeds++
	return "embedtx", nil
}

func (w *fakeWallet) ResolveWalletAddresses(walletName string) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if addrs, ok := w.addresses[walletName]; ok {
		return addrs[0], addrs[1], nil
	}
	return "legacy-" + walletName, "witness-" + walletName, nil
}

type fakeChainView struct {
	mu         sync.Mutex
	height     uint64
	blocks     map[uint64]*block.Block
	activation uint64
	govWallet  string
}

func newFakeChainView() *fakeChainView {
	return &fakeChainView{blocks: make(map[uint64]*block.Block)}
}

func (c *fakeChainView) CurrentHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *fakeChainView) ReadBlock(height uint64) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, ok := c.blocks[height]
	if !ok {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	return blk, nil
}

func (c *fakeChainView) ActivationHeight() uint64 {
	return c.activation
}

func (c *fakeChainView) GovernanceWallet() string {
	return c.govWallet
}

func (c *fakeChainView) addBlock(height uint64, ops ...TokenOperation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[height] = blockWithOps(height, ops...)
	if height > c.height {
		c.height = height
	}
}

type fakePeerNetwork struct {
	mu           sync.Mutex
	broadcastErr error
	broadcasts   [][]byte
	penalties    []string
}

func (p *fakePeerNetwork) BroadcastTokenOp(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, payload)
	return p.broadcastErr
}

func (p *fakePeerNetwork) PenalizePeer(peerID string, weight int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.penalties = append(p.penalties, peerID)
}

var errFakePay = fmt.Errorf("fake wallet payment failure")

func keyAddr(key *crypto.PrivateKey) string {
	return crypto.AddressFromPubKey(key.PublicKey()).String()
}

func newTestLedger(wallet WalletService, chainView ChainView, peers PeerNetwork) *Ledger {
	return NewLedger(storage.NewMemory(), SchnorrMessageVerifier{}, wallet, chainView, peers,
		10_000, 10_000_000, 7_500_000, 0)
}

// signedOp signs op with key, filling in Signer per the operation's role
// (From, except TransferFrom which signs as Spender).
func signedOp(key *crypto.PrivateKey, op TokenOperation) TokenOperation {
	signerAddr := crypto.AddressFromPubKey(key.PublicKey()).String()
	op.Signer = signerAddr
	message := SigningMessage(op)
	hash := crypto.Hash([]byte(message))
	sig, err := key.Sign(hash[:])
	if err != nil {
		panic(err)
	}
	op.Signature = append(append([]byte(nil), sig...), key.PublicKey()...)
	return op
}

func blockWithOps(height uint64, ops ...TokenOperation) *block.Block {
	outputs := make([]tx.Output, 0, len(ops))
	for _, op := range ops {
		outputs = append(outputs, tx.Output{
			Value:  546,
			Script: types.Script{Type: types.ScriptTypeTokenOp, Data: Encode(op)},
		})
	}
	return &block.Block{
		Header:       &block.Header{Height: height},
		Transactions: []*tx.Transaction{{Outputs: outputs}},
	}
}
