package node

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/oneevilcoin/evild/src/chain"
	"github.com/oneevilcoin/evild/src/config"
	"github.com/oneevilcoin/evild/src/net"
	"github.com/oneevilcoin/evild/src/protocol"
	"github.com/sirupsen/logrus"
)

// Node ties the blockchain core, the protocol handler and the transport
// together, and runs the idle loop.
type Node struct {
	conf   *config.Config
	logger *logrus.Entry

	core    *chain.Blockchain
	handler *protocol.Handler
	trans   *net.TCPTransport

	idleTimer *IdleTimer

	sigintCh   chan os.Signal
	shutdownCh chan struct{}
}

// NewNode is a factory method that returns a Node instance. The handler is
// wired to the transport before anything dispatches.
func NewNode(
	conf *config.Config,
	core *chain.Blockchain,
	handler *protocol.Handler,
	trans *net.TCPTransport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	handler.SetTransport(trans)

	node := Node{
		conf:       conf,
		logger:     conf.Logger().WithField("prefix", "node"),
		core:       core,
		handler:    handler,
		trans:      trans,
		idleTimer:  NewPeriodicIdleTimer(),
		sigintCh:   sigintCh,
		shutdownCh: make(chan struct{}),
	}

	return &node
}

// Init starts listening and dials the configured peers.
func (n *Node) Init() error {
	n.trans.Listen()

	for _, target := range n.conf.Peers {
		if err := n.trans.Dial(target); err != nil {
			n.logger.WithError(err).WithField("target", target).Error("Failed to dial peer")
		}
	}

	height, topID := n.core.Top()
	n.logger.WithFields(logrus.Fields{
		"height": height,
		"top_id": topID.String(),
	}).Info("Node initialized")

	return nil
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	go n.Run()
}

// Run invokes the main loop of the node: periodic core housekeeping until
// shutdown.
func (n *Node) Run() {
	go n.idleTimer.Run(n.conf.IdleInterval)

	for {
		select {
		case <-n.idleTimer.tickCh:
			if err := n.handler.OnIdle(); err != nil {
				n.logger.WithError(err).Error("OnIdle")
			}
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.Shutdown()
			return
		case <-n.shutdownCh:
			return
		}
	}
}

// Shutdown stops the protocol, the transport and the idle timer, in that
// order. It does not close the store; the evild command closes it after Run
// returns.
func (n *Node) Shutdown() {
	select {
	case <-n.shutdownCh:
		return
	default:
	}

	n.logger.Info("Shutdown")

	n.handler.Stop()
	n.trans.Close()
	n.idleTimer.Shutdown()
	close(n.shutdownCh)
}

// ObservedHeight exposes the protocol's view of the network tip height.
func (n *Node) ObservedHeight() uint64 {
	return n.handler.ObservedHeight()
}

// PeerCount exposes the number of peers past the initial handshake.
func (n *Node) PeerCount() int {
	return n.handler.PeerCount()
}

// Synchronized reports whether the node has announced synchronization.
func (n *Node) Synchronized() bool {
	return n.handler.Synchronized()
}
