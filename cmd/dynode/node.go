package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"dynofabric/internal/config"
	"dynofabric/internal/core"
	"dynofabric/internal/engine"
	"dynofabric/internal/peerconn"
	"dynofabric/internal/protocol"
	"dynofabric/internal/router"
	"dynofabric/internal/stats"
	"dynofabric/internal/topology"
)

// clientLink pairs a client's core.Connection with the socket and channel
// its own reader/writer goroutines use — the client-side twin of
// peerconn.Link, minus the frame header since the client wire format is
// plain text lines.
type clientLink struct {
	core    *core.Connection
	net     net.Conn
	writeCh chan []byte
	closeCh chan struct{}
	closed  bool
}

type clientEvent struct {
	conn *core.Connection
	line string
	eof  bool
}

// peerInboundConn tracks, per accepted peer connection, the FIFO of wire
// msg_ids its requests arrived under — router.Forward never needs these
// (resolution is FIFO, documented on router.enqueue), but echoing the
// original id back keeps outbound frames wire-faithful for any observer
// tooling reading raw captures.
type peerInboundConn struct {
	link       *peerconn.Link
	pendingIDs []uint64
}

type peerOp struct {
	id, addr string
	connect  bool
	link     *peerconn.Link // set when connect is true: the already-dialed Link to register
	reply    chan error
}

// Node is the single goroutine that owns every Connection and Message in
// the process: the engine package's doc comment promises exactly one
// loop goroutine fed by per-connection reader/writer goroutines that only
// move bytes, and Node.run is that goroutine.
type Node struct {
	cfg        *config.Config
	pool       *topology.Pool
	router     *router.Router
	dispatcher *engine.Dispatcher
	counters   *stats.Counters
	histogram  *stats.Histogram
	peerKey    []byte

	clients          map[*core.Connection]*clientLink
	peerOutboundLinks map[string]*peerconn.Link
	peerInboundConns  map[*core.Connection]*peerInboundConn

	nextConnID uint64

	clientAccept      chan net.Conn
	clientEvents      chan clientEvent
	peerAccept        chan net.Conn
	peerRequests      chan peerconn.RequestEvent
	peerResponses     chan peerconn.ResponseEvent
	peerInboundClosed chan *peerconn.Link
	peerOutboundClosed chan string
	opCh              chan peerOp
}

func newNode(cfg *config.Config, pool *topology.Pool, rt *router.Router, d *engine.Dispatcher, counters *stats.Counters, histogram *stats.Histogram, peerKey []byte) *Node {
	return &Node{
		cfg:        cfg,
		pool:       pool,
		router:     rt,
		dispatcher: d,
		counters:   counters,
		histogram:  histogram,
		peerKey:    peerKey,

		clients:           make(map[*core.Connection]*clientLink),
		peerOutboundLinks: make(map[string]*peerconn.Link),
		peerInboundConns:  make(map[*core.Connection]*peerInboundConn),

		clientAccept:       make(chan net.Conn, 16),
		clientEvents:       make(chan clientEvent, 256),
		peerAccept:         make(chan net.Conn, 16),
		peerRequests:       make(chan peerconn.RequestEvent, 256),
		peerResponses:      make(chan peerconn.ResponseEvent, 256),
		peerInboundClosed:  make(chan *peerconn.Link, 16),
		peerOutboundClosed: make(chan string, 16),
		opCh:               make(chan peerOp, 16),
	}
}

// ConnectPeer implements api.PeerManager: dial a peer, then hand the
// resulting Link to the loop goroutine over opCh so peerOutboundLinks and
// dispatcher.AddPeer are only ever touched by that one goroutine. Safe to
// call from any goroutine, including an HTTP handler or a not-yet-started
// loop (the dial itself never touches Node state).
func (n *Node) ConnectPeer(id, addr string) error {
	link, err := peerconn.Dial(n.allocConnID(), id, addr, n.peerKey, n.peerResponses, n.peerOutboundClosed)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	n.opCh <- peerOp{id: id, addr: addr, connect: true, link: link, reply: reply}
	if err := <-reply; err != nil {
		link.Close()
		return err
	}
	return nil
}

// DisconnectPeer implements api.PeerManager.
func (n *Node) DisconnectPeer(id string) error {
	reply := make(chan error, 1)
	n.opCh <- peerOp{id: id, connect: false, reply: reply}
	return <-reply
}

func (n *Node) allocConnID() uint64 {
	n.nextConnID++
	return n.nextConnID
}

// dialConfigured connects to every non-local peer named in the topology
// file at startup, mirroring a node that comes up already knowing its
// whole rack/DC layout (there is no discovery phase).
func (n *Node) dialConfigured() {
	for _, dc := range n.pool.Datacenters {
		for _, rack := range dc.Racks {
			for _, p := range rack.Peers {
				if n.pool.IsLocal(p) {
					continue
				}
				if err := n.ConnectPeer(p.ID, p.Addr); err != nil {
					log.Printf("dynode: could not connect to peer %s (%s): %v", p.ID, p.Addr, err)
				}
			}
		}
	}
}

// acceptLoop forwards accepted sockets to ch until the listener closes.
func acceptLoop(ln net.Listener, ch chan<- net.Conn) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- nc
	}
}

func clientReader(cc *core.Connection, nc net.Conn, events chan<- clientEvent) {
	r := bufio.NewReader(nc)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			events <- clientEvent{conn: cc, line: line}
		}
		if err != nil {
			events <- clientEvent{conn: cc, eof: true}
			return
		}
	}
}

func clientWriter(nc net.Conn, writeCh <-chan []byte, closeCh <-chan struct{}) {
	for {
		select {
		case b := <-writeCh:
			if _, err := nc.Write(b); err != nil {
				return
			}
		case <-closeCh:
			return
		}
	}
}

// run is the single dispatcher-owning loop. It never returns until ctx is
// cancelled.
func (n *Node) run(ctx context.Context, peerLn, clientLn net.Listener) {
	go acceptLoop(peerLn, n.peerAccept)
	go acceptLoop(clientLn, n.clientAccept)

	snapshotTick := time.NewTicker(60 * time.Second)
	defer snapshotTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case nc := <-n.clientAccept:
			n.onClientAccepted(nc)

		case ev := <-n.clientEvents:
			n.onClientEvent(ev)

		case nc := <-n.peerAccept:
			n.onPeerAccepted(nc)

		case ev := <-n.peerRequests:
			n.onPeerRequest(ev)

		case ev := <-n.peerResponses:
			n.onPeerResponse(ev)

		case link := <-n.peerInboundClosed:
			delete(n.peerInboundConns, link.Conn)
			link.Close()

		case id := <-n.peerOutboundClosed:
			n.dispatcher.RemovePeer(id)
			delete(n.peerOutboundLinks, id)

		case op := <-n.opCh:
			n.onPeerOp(op)

		case <-snapshotTick.C:
			if err := n.dispatcher.Storage.Snapshot(); err != nil {
				log.Printf("dynode: periodic snapshot error: %v", err)
			} else {
				log.Printf("dynode: snapshot saved")
			}
		}
	}
}

func (n *Node) onClientAccepted(nc net.Conn) {
	id := n.allocConnID()
	cc := core.NewConnection(id, core.RoleClient)
	cc.ReadConsistency = n.router.DefaultReadConsistency
	cc.WriteConsistency = n.router.DefaultWriteConsistency
	cc.Latency = n.histogram

	link := &clientLink{core: cc, net: nc, writeCh: make(chan []byte, 64), closeCh: make(chan struct{})}
	n.clients[cc] = link
	go clientWriter(nc, link.writeCh, link.closeCh)
	go clientReader(cc, nc, n.clientEvents)
}

func (n *Node) onClientEvent(ev clientEvent) {
	if ev.line != "" {
		r := bufio.NewReader(strings.NewReader(ev.line))
		dl, closeClient, err := n.dispatcher.Intake(ev.conn, r)
		if err != nil {
			log.Printf("dynode: client %d intake error: %v", ev.conn.ID, err)
		}
		if dl != nil {
			n.deliver(*dl)
		}
		n.drainAndDeliver()
		n.flushPeerWrites()
		if closeClient {
			n.closeClientConn(ev.conn)
		}
	}
	if ev.eof {
		n.closeClientConn(ev.conn)
	}
}

func (n *Node) closeClientConn(cc *core.Connection) {
	link, ok := n.clients[cc]
	if !ok || link.closed {
		return
	}
	link.closed = true
	n.dispatcher.CloseClient(cc)
	close(link.closeCh)
	delete(n.clients, cc)
}

func (n *Node) onPeerAccepted(nc net.Conn) {
	id := n.allocConnID()
	raw := make(chan string, 1)
	link := peerconn.Accept(id, nc, n.peerRequests, raw)
	n.peerInboundConns[link.Conn] = &peerInboundConn{link: link}
	go func() {
		<-raw
		n.peerInboundClosed <- link
	}()
}

func (n *Node) onPeerRequest(ev peerconn.RequestEvent) {
	pic, ok := n.peerInboundConns[ev.Link.Conn]
	if !ok {
		return
	}
	pic.pendingIDs = append(pic.pendingIDs, ev.Header.MsgID)

	r := bufio.NewReader(bytes.NewReader(ev.Body))
	closeConn, err := n.dispatcher.IntakePeerRequest(ev.Link.Conn, r)
	if err != nil {
		log.Printf("dynode: peer %d request error: %v", ev.Link.Conn.ID, err)
	}
	n.drainAndDeliver()
	n.flushPeerWrites()
	if closeConn {
		delete(n.peerInboundConns, ev.Link.Conn)
		ev.Link.Close()
	}
}

func (n *Node) onPeerResponse(ev peerconn.ResponseEvent) {
	rsp := core.New(nil, false)
	rsp.Payload = [][]byte{ev.Body}
	rsp.MLen = len(ev.Body)
	rsp.Error = protocol.IsErrorPayload(ev.Body)

	dl := n.dispatcher.HandlePeerResponse(ev.Link.Conn, rsp)
	if dl != nil {
		n.deliver(*dl)
	}
	n.flushPeerWrites()
}

func (n *Node) onPeerOp(op peerOp) {
	if op.connect {
		// The dial already happened in ConnectPeer (outside the loop, since
		// it blocks on network I/O); here we just register it. Rejecting an
		// already-connected peer id keeps AddPeer from leaking the old link.
		if _, exists := n.peerOutboundLinks[op.id]; exists {
			op.reply <- fmt.Errorf("already connected to %s", op.id)
			return
		}
		n.peerOutboundLinks[op.id] = op.link
		n.dispatcher.AddPeer(op.id, op.link.Conn)
		op.reply <- nil
		return
	}
	link, ok := n.peerOutboundLinks[op.id]
	if !ok {
		op.reply <- fmt.Errorf("not connected to %s", op.id)
		return
	}
	delete(n.peerOutboundLinks, op.id)
	n.dispatcher.RemovePeer(op.id)
	link.Close()
	op.reply <- nil
}

func (n *Node) drainAndDeliver() {
	for _, dl := range n.dispatcher.DrainStorage() {
		n.deliver(dl)
	}
}

func (n *Node) flushPeerWrites() {
	for peerID, conn := range n.dispatcher.Peers() {
		link, ok := n.peerOutboundLinks[peerID]
		if !ok {
			continue
		}
		for {
			m := conn.ImsgFront()
			if m == nil {
				break
			}
			conn.DequeueInq(m)
			link.Send(m.ID, false, protocol.SerializeRequest(m.Payload))
		}
	}
}

func (n *Node) deliver(dl engine.Delivery) {
	body := joinPayload(dl.Rsp.Payload)
	switch dl.Client.Role {
	case core.RoleClient:
		if link, ok := n.clients[dl.Client]; ok && !link.closed {
			select {
			case link.writeCh <- body:
			default:
				log.Printf("dynode: dropping response to slow client %d", dl.Client.ID)
			}
		}
	case core.RolePeerInbound:
		if pic, ok := n.peerInboundConns[dl.Client]; ok && len(pic.pendingIDs) > 0 {
			id := pic.pendingIDs[0]
			pic.pendingIDs = pic.pendingIDs[1:]
			pic.link.Send(id, true, body)
		}
	}
	n.dispatcher.Delivered(&dl)
}

func joinPayload(payload [][]byte) []byte {
	total := 0
	for _, p := range payload {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}
