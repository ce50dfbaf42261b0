package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// maxFrameSize bounds a single wire frame. A frame above this limit is a
	// protocol violation and closes the connection.
	maxFrameSize = 64 * 1024 * 1024

	// dispatchBacklog is the per-connection inbound queue depth.
	dispatchBacklog = 64
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
TCPTransport provides a network based transport that can be used to
communicate with remote nodes over an underlying stream layer.

Each frame is a command id and a length, both big-endian uint32, followed by
the canonical-json encoded body. A connection opens with a Handshake exchange,
after which each side feeds the other's CoreSyncData to the handler with
isInitial set.

Inbound dispatch is serialized per connection: one reader goroutine feeds one
dispatcher goroutine. Requested self-callbacks travel through the same
dispatcher queue, behind any frame already queued.
*/
type TCPTransport struct {
	logger  *logrus.Entry
	handler Handler
	peerID  uint32

	stream StreamLayer

	connLock    sync.RWMutex
	connections map[uint64]*tcpConn
	nextID      uint64

	timedSyncInterval time.Duration
	timeout           time.Duration

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

type dispatchItem struct {
	msg      Message
	callback bool
}

type tcpConn struct {
	ctx  *Connection
	sock io.ReadWriteCloser
	r    *bufio.Reader
	w    *bufio.Writer

	wLock sync.Mutex

	dispatchCh chan dispatchItem
	closeOnce  sync.Once
}

// NewTCPTransport creates a transport on top of a stream layer. peerID
// identifies this node in handshakes.
func NewTCPTransport(
	stream StreamLayer,
	handler Handler,
	peerID uint32,
	timeout time.Duration,
	logger *logrus.Entry,
) *TCPTransport {
	return &TCPTransport{
		logger:            logger,
		handler:           handler,
		peerID:            peerID,
		stream:            stream,
		connections:       make(map[uint64]*tcpConn),
		timedSyncInterval: 60 * time.Second,
		timeout:           timeout,
		shutdownCh:        make(chan struct{}),
	}
}

// LocalAddr returns the address peers can reach us on.
func (t *TCPTransport) LocalAddr() string {
	return t.stream.AdvertiseAddr()
}

// Listen implements the Transport interface.
func (t *TCPTransport) Listen() {
	go t.acceptLoop()
	go t.timedSyncLoop()
}

func (t *TCPTransport) acceptLoop() {
	for {
		sock, err := t.stream.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				return
			}
		}

		go func() {
			if err := t.setupConn(sock, sock.RemoteAddr().String(), true); err != nil {
				t.logger.WithError(err).Error("Failed to set up inbound connection")
				sock.Close()
			}
		}()
	}
}

// Dial opens an outbound connection and runs the handshake.
func (t *TCPTransport) Dial(target string) error {
	sock, err := t.stream.Dial(target, t.timeout)
	if err != nil {
		return err
	}

	if err := t.setupConn(sock, target, false); err != nil {
		sock.Close()
		return err
	}

	return nil
}

// setupConn performs the handshake exchange and starts the connection's
// reader and dispatcher goroutines. The dialing side sends first.
func (t *TCPTransport) setupConn(sock io.ReadWriteCloser, addr string, isInbound bool) error {
	conn := &tcpConn{
		sock:       sock,
		r:          bufio.NewReader(sock),
		w:          bufio.NewWriter(sock),
		dispatchCh: make(chan dispatchItem, dispatchBacklog),
	}

	ourHandshake := &Handshake{
		PeerID:   t.peerID,
		SyncData: *t.handler.SyncData(),
	}

	if !isInbound {
		if err := conn.writeMessage(ourHandshake); err != nil {
			return err
		}
	}

	msg, err := conn.readMessage()
	if err != nil {
		return err
	}
	remoteHandshake, ok := msg.(*Handshake)
	if !ok {
		return fmt.Errorf("expected handshake, got command %d", msg.Command())
	}

	if isInbound {
		if err := conn.writeMessage(ourHandshake); err != nil {
			return err
		}
	}

	t.connLock.Lock()
	if t.shutdown {
		t.connLock.Unlock()
		return ErrTransportShutdown
	}
	t.nextID++
	conn.ctx = NewConnection(t.nextID, remoteHandshake.PeerID, addr, isInbound)
	t.connections[conn.ctx.ID()] = conn
	t.connLock.Unlock()

	t.logger.WithFields(logrus.Fields{
		"peer":    conn.ctx.ID(),
		"addr":    addr,
		"inbound": isInbound,
	}).Debug("Connection established")

	t.handler.OnConnectionOpened(conn.ctx)

	go t.readLoop(conn)
	go t.dispatchLoop(conn, &remoteHandshake.SyncData)

	return nil
}

func (t *TCPTransport) readLoop(conn *tcpConn) {
	for {
		msg, err := conn.readMessage()
		if err != nil {
			t.closeConn(conn, err)
			return
		}

		select {
		case conn.dispatchCh <- dispatchItem{msg: msg}:
		case <-t.shutdownCh:
			return
		}
	}
}

// dispatchLoop serializes inbound processing for one connection. The
// handshake sync data is processed first, before any queued frame.
func (t *TCPTransport) dispatchLoop(conn *tcpConn, handshakeData *CoreSyncData) {
	if err := t.handler.ProcessSyncData(conn.ctx, handshakeData, true); err != nil {
		t.closeConn(conn, err)
		return
	}

	for {
		select {
		case item := <-conn.dispatchCh:
			if item.callback {
				if err := t.handler.OnCallback(conn.ctx); err != nil {
					t.closeConn(conn, err)
					return
				}
				continue
			}

			if ts, ok := item.msg.(*TimedSync); ok {
				if err := t.handler.ProcessSyncData(conn.ctx, &ts.SyncData, false); err != nil {
					t.closeConn(conn, err)
					return
				}
				continue
			}

			if err := t.handler.ProcessCommand(conn.ctx, item.msg); err != nil {
				t.closeConn(conn, err)
				return
			}
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *TCPTransport) timedSyncLoop() {
	ticker := time.NewTicker(t.timedSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg := &TimedSync{SyncData: *t.handler.SyncData()}
			t.PostExcept(msg, 0)
		case <-t.shutdownCh:
			return
		}
	}
}

// ForEachConnection implements the Transport interface.
func (t *TCPTransport) ForEachConnection(fn func(c *Connection) bool) {
	t.connLock.RLock()
	conns := make([]*Connection, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn.ctx)
	}
	t.connLock.RUnlock()

	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}

// Post implements the Transport interface.
func (t *TCPTransport) Post(c *Connection, msg Message) error {
	t.connLock.RLock()
	conn, ok := t.connections[c.ID()]
	t.connLock.RUnlock()

	if !ok {
		return fmt.Errorf("connection %d is closed", c.ID())
	}

	if err := conn.writeMessage(msg); err != nil {
		t.closeConn(conn, err)
		return err
	}

	return nil
}

// PostExcept implements the Transport interface.
func (t *TCPTransport) PostExcept(msg Message, excludeID uint64) {
	t.connLock.RLock()
	conns := make([]*tcpConn, 0, len(t.connections))
	for id, conn := range t.connections {
		if id != excludeID {
			conns = append(conns, conn)
		}
	}
	t.connLock.RUnlock()

	for _, conn := range conns {
		if err := conn.writeMessage(msg); err != nil {
			t.closeConn(conn, err)
		}
	}
}

// RequestCallback implements the Transport interface. The wakeup goes through
// the connection's dispatch queue, so it is delivered after anything already
// queued, never concurrently with another handler invocation.
func (t *TCPTransport) RequestCallback(c *Connection) {
	t.connLock.RLock()
	conn, ok := t.connections[c.ID()]
	t.connLock.RUnlock()

	if !ok {
		return
	}

	// a separate goroutine so that a dispatcher requesting its own callback
	// never blocks on a full queue
	go func() {
		select {
		case conn.dispatchCh <- dispatchItem{callback: true}:
		case <-t.shutdownCh:
		}
	}()
}

// Drop implements the Transport interface.
func (t *TCPTransport) Drop(c *Connection) {
	t.connLock.RLock()
	conn, ok := t.connections[c.ID()]
	t.connLock.RUnlock()

	if ok {
		t.closeConn(conn, nil)
	}
}

func (t *TCPTransport) closeConn(conn *tcpConn, reason error) {
	conn.closeOnce.Do(func() {
		t.connLock.Lock()
		delete(t.connections, conn.ctx.ID())
		t.connLock.Unlock()

		conn.sock.Close()

		if reason != nil && reason != io.EOF {
			t.logger.WithError(reason).WithField("peer", conn.ctx.ID()).Debug("Connection closed")
		}

		t.handler.OnConnectionClosed(conn.ctx)
	})
}

// Close implements the Transport interface.
func (t *TCPTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}

	t.connLock.Lock()
	t.shutdown = true
	conns := make([]*tcpConn, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connLock.Unlock()

	close(t.shutdownCh)

	for _, conn := range conns {
		t.closeConn(conn, nil)
	}

	return t.stream.Close()
}

func (c *tcpConn) readMessage() (Message, error) {
	var header [8]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}

	command := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])

	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}

	return UnmarshalMessage(command, body)
}

func (c *tcpConn) writeMessage(msg Message) error {
	body, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	c.wLock.Lock()
	defer c.wLock.Unlock()

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], msg.Command())
	binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))

	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}

	return c.w.Flush()
}
