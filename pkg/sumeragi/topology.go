// file: pkg/sumeragi/topology.go
package sumeragi

// Topology assigns the leader/validating-peer/proxy-tail/observer
// roles: role is a function of ((i + view) mod n), so every peer rotates
// through every role as the view advances, and the assignment is
// computable by any peer without coordination.
type Topology struct {
	peers []Peer
	view  View
}

func NewTopology(peers []Peer) *Topology {
	cp := make([]Peer, len(peers))
	copy(cp, peers)
	return &Topology{peers: cp}
}

func (t *Topology) Quorum() Quorum { return NewQuorum(len(t.peers)) }

func (t *Topology) View() View { return t.view }

// Rotate advances the topology to the next view, the effect a
// successful view-change has on role assignment.
func (t *Topology) Rotate() {
	t.view++
}

func (t *Topology) SetView(v View) { t.view = v }

func (t *Topology) Len() int { return len(t.peers) }

func (t *Topology) Peers() []Peer {
	cp := make([]Peer, len(t.peers))
	copy(cp, t.peers)
	return cp
}

// indexOf maps peer order-position i at the current view onto its
// rotated slot.
func (t *Topology) rotatedIndex(i int) int {
	n := len(t.peers)
	if n == 0 {
		return 0
	}
	return (i + int(t.view)) % n
}

// Leader is the single peer proposing blocks this view: slot 0 after
// rotation.
func (t *Topology) Leader() Peer {
	return t.peers[t.rotatedIndex(0)]
}

// ProxyTail is the last validating peer in the rotated order, the peer
// responsible for collecting signatures and broadcasting the committed
// block.
func (t *Topology) ProxyTail() Peer {
	f := t.Quorum().F
	idx := 2 * f
	if idx >= len(t.peers) {
		idx = len(t.peers) - 1
	}
	return t.peers[t.rotatedIndex(idx)]
}

// Validators returns the 2f+1 peers (leader inclusive) whose signatures
// certify a block.
func (t *Topology) Validators() []Peer {
	f := t.Quorum().F
	n := 2*f + 1
	if n > len(t.peers) {
		n = len(t.peers)
	}
	out := make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, t.peers[t.rotatedIndex(i)])
	}
	return out
}

// Observers are peers outside the validating set: they receive
// committed blocks but never sign a proposal.
func (t *Topology) Observers() []Peer {
	f := t.Quorum().F
	n := 2*f + 1
	if n > len(t.peers) {
		return nil
	}
	out := make([]Peer, 0, len(t.peers)-n)
	for i := n; i < len(t.peers); i++ {
		out = append(out, t.peers[t.rotatedIndex(i)])
	}
	return out
}

func (t *Topology) IsLeader(id NodeID) bool { return t.Leader().ID == id }

func (t *Topology) IsValidator(id NodeID) bool {
	for _, p := range t.Validators() {
		if p.ID == id {
			return true
		}
	}
	return false
}
