package token

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/p2p"
)

// PenaltyInvalidTokenOp mirrors internal/p2p's ban-manager scoring for a
// rejected TOKENTX message.
const PenaltyInvalidTokenOp = p2p.PenaltyInvalidTokenOp

// p2pPeerNetwork adapts a *p2p.Node to the PeerNetwork collaborator.
type p2pPeerNetwork struct {
	node *p2p.Node
}

// NewPeerNetwork wraps node for use as a Ledger's PeerNetwork collaborator.
func NewPeerNetwork(node *p2p.Node) PeerNetwork {
	return &p2pPeerNetwork{node: node}
}

func (n *p2pPeerNetwork) BroadcastTokenOp(payload []byte) error {
	return n.node.BroadcastTokenOp(payload)
}

func (n *p2pPeerNetwork) PenalizePeer(peerID string, weight int, reason string) {
	if n.node.BanManager == nil {
		return
	}
	id, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	n.node.BanManager.RecordOffense(id, weight, reason)
}

// GossipAdapter wires a Ledger to the node's TOKENTX gossip topic.
type GossipAdapter struct {
	ledger *Ledger
	peers  PeerNetwork
}

// NewGossipAdapter constructs an adapter that applies inbound TOKENTX
// messages to ledger and penalizes peers that send invalid ones.
func NewGossipAdapter(ledger *Ledger, peers PeerNetwork) *GossipAdapter {
	return &GossipAdapter{ledger: ledger, peers: peers}
}

// HandleInbound decodes and applies a gossiped token operation. Decode or
// apply failure penalizes the sending peer; a single failure never causes
// a disconnect.
func (a *GossipAdapter) HandleInbound(peerID string, data []byte) {
	op, err := Decode(data)
	if err != nil {
		log.Token.Debug().Err(err).Str("peer", peerID).Msg("malformed TOKENTX message")
		a.peers.PenalizePeer(peerID, PenaltyInvalidTokenOp, "invalid token operation")
		return
	}

	op.WalletName = ""
	if !a.ledger.Apply(op, false) {
		a.peers.PenalizePeer(peerID, PenaltyInvalidTokenOp, "invalid token operation")
	}
}
