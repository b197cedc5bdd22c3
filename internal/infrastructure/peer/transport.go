package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/wire"
)

const defaultRequestTimeout = 30 * time.Second

type Config struct {
	ListenAddrs    []string
	RequestTimeout time.Duration
}

// Transport is the framed request/response messaging layer over plain TCP
// connections. One connection per peer, shared by all swaps and the
// orderbook; frames are written under a per-connection lock so delivery is
// ordered per peer.
type Transport struct {
	cfg     Config
	handler ports.InboundHandler

	mu        sync.Mutex
	conns     map[string]*peerConn
	listeners []net.Listener
	nextReqID atomic.Uint64
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type peerConn struct {
	addr    string
	c       net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan wire.Frame
}

func NewTransport(cfg Config) *Transport {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Transport{
		cfg:   cfg,
		conns: make(map[string]*peerConn),
	}
}

func (t *Transport) SetHandler(handler ports.InboundHandler) {
	t.handler = handler
}

func (t *Transport) Start(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("peer transport started without a handler")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	for _, addr := range t.cfg.ListenAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to bind peer listener on %s: %s", addr, err)
		}
		t.listeners = append(t.listeners, ln)
		t.wg.Add(1)
		go t.acceptLoop(ln)
		log.Infof("peer transport listening on %s", ln.Addr())
	}
	return nil
}

// Addrs returns the bound listener addresses, useful when listening on
// port zero.
func (t *Transport) Addrs() []string {
	addrs := make([]string, 0, len(t.listeners))
	for _, ln := range t.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	for _, ln := range t.listeners {
		// nolint
		ln.Close()
	}
	t.mu.Lock()
	for _, pc := range t.conns {
		// nolint
		pc.c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		t.adopt(c)
	}
}

func (t *Transport) adopt(c net.Conn) *peerConn {
	pc := &peerConn{
		addr:    c.RemoteAddr().String(),
		c:       c,
		pending: make(map[uint64]chan wire.Frame),
	}
	t.mu.Lock()
	if old, ok := t.conns[pc.addr]; ok {
		// nolint
		old.c.Close()
	}
	t.conns[pc.addr] = pc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(pc)
	return pc
}

// Connect dials a peer introduced out-of-band.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	t.mu.Lock()
	_, connected := t.conns[addr]
	t.mu.Unlock()
	if connected {
		return nil
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %s", addr, err)
	}

	pc := &peerConn{
		addr:    addr,
		c:       c,
		pending: make(map[uint64]chan wire.Frame),
	}
	t.mu.Lock()
	t.conns[addr] = pc
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(pc)
	return nil
}

// readLoop dispatches inbound frames. Any malformed frame is a protocol
// violation and drops the connection.
func (t *Transport) readLoop(pc *peerConn) {
	defer t.wg.Done()
	defer t.drop(pc)

	for {
		frame, err := wire.Read(pc.c)
		if err != nil {
			if t.ctx.Err() == nil {
				log.WithError(err).Debugf("peer %s: read failed, dropping connection", pc.addr)
			}
			return
		}

		switch frame.Type {
		case wire.MsgAnnounce:
			t.handleAnnounce(pc, frame)
		case wire.MsgAnnounceOK, wire.MsgAnnounceReject:
			pc.resolve(frame)
		case wire.MsgOrderGossip:
			var gossip wire.OrderGossip
			if err := frame.DecodeBody(&gossip); err != nil {
				log.WithError(err).Warnf("peer %s: malformed gossip, dropping connection", pc.addr)
				return
			}
			t.handler.HandleOrderGossip(pc.addr, gossip)
		default:
			log.Warnf("peer %s: unknown message type %s, dropping connection", pc.addr, frame.Type)
			return
		}
	}
}

func (t *Transport) handleAnnounce(pc *peerConn, frame wire.Frame) {
	var msg wire.Announce
	if err := frame.DecodeBody(&msg); err != nil {
		log.WithError(err).Warnf("peer %s: malformed announce, dropping connection", pc.addr)
		// nolint
		pc.c.Close()
		return
	}

	// the handler may block on operator approval; answer asynchronously
	// within the request deadline
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
		defer cancel()

		ok, reason := t.handler.HandleAnnounce(ctx, pc.addr, msg)
		var reply wire.Frame
		var err error
		if ok != nil {
			reply, err = wire.NewFrame(wire.MsgAnnounceOK, frame.RequestID, ok)
		} else {
			reply, err = wire.NewFrame(wire.MsgAnnounceReject, frame.RequestID, wire.AnnounceReject{
				SwapID: msg.SwapID,
				Reason: reason,
			})
		}
		if err != nil {
			log.WithError(err).Error("failed to encode announce reply")
			return
		}
		if err := pc.write(reply); err != nil {
			log.WithError(err).Warnf("peer %s: failed to send announce reply", pc.addr)
		}
	}()
}

func (t *Transport) drop(pc *peerConn) {
	// nolint
	pc.c.Close()
	t.mu.Lock()
	if t.conns[pc.addr] == pc {
		delete(t.conns, pc.addr)
	}
	t.mu.Unlock()

	pc.mu.Lock()
	for id, ch := range pc.pending {
		close(ch)
		delete(pc.pending, id)
	}
	pc.mu.Unlock()

	if t.handler != nil && t.ctx.Err() == nil {
		t.handler.PeerDisconnected(pc.addr)
	}
}

func (pc *peerConn) write(frame wire.Frame) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return wire.Write(pc.c, frame)
}

func (pc *peerConn) resolve(frame wire.Frame) {
	pc.mu.Lock()
	ch, ok := pc.pending[frame.RequestID]
	if ok {
		delete(pc.pending, frame.RequestID)
	}
	pc.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (pc *peerConn) await(id uint64) chan wire.Frame {
	ch := make(chan wire.Frame, 1)
	pc.mu.Lock()
	pc.pending[id] = ch
	pc.mu.Unlock()
	return ch
}

// Announce sends the proposal and waits for the peer's decision within the
// request deadline.
func (t *Transport) Announce(ctx context.Context, peer string, msg wire.Announce) (*wire.AnnounceOK, error) {
	if err := t.Connect(ctx, peer); err != nil {
		return nil, err
	}
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %s is not connected", peer)
	}

	id := t.nextReqID.Add(1)
	frame, err := wire.NewFrame(wire.MsgAnnounce, id, msg)
	if err != nil {
		return nil, err
	}

	ch := pc.await(id)
	if err := pc.write(frame); err != nil {
		return nil, fmt.Errorf("failed to send announce to %s: %s", peer, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("peer %s disconnected during negotiation", peer)
		}
		switch reply.Type {
		case wire.MsgAnnounceOK:
			var okMsg wire.AnnounceOK
			if err := reply.DecodeBody(&okMsg); err != nil {
				return nil, err
			}
			return &okMsg, nil
		case wire.MsgAnnounceReject:
			var rej wire.AnnounceReject
			if err := reply.DecodeBody(&rej); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ports.ErrAnnounceRejected, rej.Reason)
		default:
			return nil, fmt.Errorf("unexpected reply type %s", reply.Type)
		}
	}
}

// GossipOrders broadcasts the open book to every connected peer. No ack.
func (t *Transport) GossipOrders(ctx context.Context, msg wire.OrderGossip) error {
	frame, err := wire.NewFrame(wire.MsgOrderGossip, 0, msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	for _, pc := range conns {
		if err := pc.write(frame); err != nil {
			log.WithError(err).Debugf("peer %s: gossip failed", pc.addr)
		}
	}
	return nil
}

var _ ports.PeerTransport = (*Transport)(nil)
