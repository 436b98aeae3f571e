package relay

import "sync/atomic"

// Conn is one participant's channel. ReadMessage blocks until a whole message
// arrives or the channel fails. Close must be safe to call concurrently with
// ReadMessage and WriteMessage and more than once.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

type peerState int32

const (
	stateConnecting peerState = iota
	stateOpen
	stateClosed
)

func (s peerState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type peer struct {
	id    string
	conn  Conn
	queue *sendQueue
	state atomic.Int32
}

func newPeer(id string, conn Conn, queueBytes int) *peer {
	return &peer{
		id:    id,
		conn:  conn,
		queue: newSendQueue(queueBytes),
	}
}

func (p *peer) State() peerState { return peerState(p.state.Load()) }

func (p *peer) isOpen() bool { return p.State() == stateOpen }

func (p *peer) transition(from, to peerState) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}
