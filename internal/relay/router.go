package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/registry"
)

// Router owns the set of open participant channels.
//
// mu serializes every change to the open set, every registry mutation and
// every broadcast enqueue. Frames from one sender therefore reach each send
// queue in the order they were read, and a presence list always matches the
// open set at the moment it was built.
type Router struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool
	peers  map[string]*peer
}

func NewRouter(cfg Config, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if reg == nil {
		reg = registry.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg.withDefaults(),
		registry: reg,
		logger:   logger,
		metrics:  m,
		peers:    make(map[string]*peer),
	}
}

// Serve runs one participant channel until it closes: the transport fails or
// is closed by the remote side, a write to it fails, ctx is cancelled or the
// router is closed. Conn is always closed when Serve returns.
//
// Serve returns ErrRouterClosed when the router was already closed and nil
// otherwise; transport errors end the channel but are not reported.
func (r *Router) Serve(ctx context.Context, conn Conn) error {
	p, err := r.open(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	go r.writeLoop(p)

	stop := context.AfterFunc(ctx, func() {
		r.closePeer(p, "context_done")
	})
	defer stop()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if p.isOpen() {
				r.logger.Debug("relay channel read failed", "participant_id", p.id, "err", err)
			}
			r.closePeer(p, "read_error")
			return nil
		}
		r.handle(p, raw)
	}
}

func (r *Router) open(conn Conn) (*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}

	p := newPeer(uuid.NewString(), conn, r.cfg.SendQueueBytes)
	rec := r.registry.Add(p.id)
	r.peers[p.id] = p
	p.transition(stateConnecting, stateOpen)

	r.metrics.Inc(metrics.ConnectionsOpened)
	r.logger.Info("participant connected", "participant_id", p.id, "display_name", rec.DisplayName, "participants", len(r.peers))

	r.broadcastPresenceLocked()
	return p, nil
}

func (r *Router) handle(p *peer, raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		r.metrics.Inc(metrics.MessagesMalformed)
		r.logger.Debug("dropping malformed message", "participant_id", p.id, "bytes", len(raw), "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !p.isOpen() {
		return
	}

	switch m := msg.(type) {
	case Join:
		if !r.registry.Rename(p.id, m.Username) {
			r.metrics.Inc(metrics.JoinIgnored)
			r.logger.Debug("ignoring join without username", "participant_id", p.id)
			return
		}
		r.metrics.Inc(metrics.JoinRenames)
		r.logger.Info("participant joined", "participant_id", p.id, "display_name", m.Username)
		r.broadcastPresenceLocked()
	case Opaque:
		r.metrics.Inc(metrics.MessagesRelayed)
		for _, other := range r.peers {
			if other == p {
				continue
			}
			r.enqueueLocked(other, m.Raw)
		}
	}
}

func (r *Router) broadcastPresenceLocked() {
	frame := EncodeUserList(r.registry.Snapshot())
	r.metrics.Inc(metrics.PresenceBroadcasts)
	for _, p := range r.peers {
		r.enqueueLocked(p, frame)
	}
}

func (r *Router) enqueueLocked(p *peer, frame []byte) {
	if !p.isOpen() {
		return
	}
	if !p.queue.Enqueue(frame) {
		r.metrics.Inc(metrics.SendDropped)
		r.logger.Debug("send queue full, dropping frame", "participant_id", p.id, "bytes", len(frame))
	}
}

func (r *Router) writeLoop(p *peer) {
	for {
		frame, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		if err := p.conn.WriteMessage(frame); err != nil {
			if p.isOpen() {
				r.metrics.Inc(metrics.WriteErrors)
				r.logger.Debug("relay channel write failed", "participant_id", p.id, "err", err)
			}
			r.closePeer(p, "write_error")
			return
		}
	}
}

func (r *Router) closePeer(p *peer, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closePeerLocked(p, reason, true)
}

// closePeerLocked moves p to CLOSED. Only the first call for a peer has any
// effect.
func (r *Router) closePeerLocked(p *peer, reason string, broadcast bool) {
	if !p.transition(stateOpen, stateClosed) {
		return
	}

	rec, _ := r.registry.Get(p.id)
	delete(r.peers, p.id)
	r.registry.Remove(p.id)
	p.queue.Close()
	_ = p.conn.Close()

	r.metrics.Inc(metrics.ConnectionsClosed)
	r.logger.Info("participant disconnected", "participant_id", p.id, "display_name", rec.DisplayName, "reason", reason, "participants", len(r.peers))

	if broadcast {
		r.broadcastPresenceLocked()
	}
}

// Participants returns the current display names in registry order.
func (r *Router) Participants() []string {
	return r.registry.Snapshot()
}

// Len returns the number of open channels.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Close closes every open channel and makes later Serve calls fail with
// ErrRouterClosed. Remaining participants are not sent presence updates
// while the router is shutting down.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, p := range lo.Values(r.peers) {
		r.closePeerLocked(p, "router_closed", false)
	}
}

// IsClosed reports whether Close has been called.
func (r *Router) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
