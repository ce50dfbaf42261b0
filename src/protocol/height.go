package protocol

import (
	"github.com/oneevilcoin/evild/src/net"
)

/*
The observed height is the node's best estimate of the network tip height. A
single integer guarded by a mutex, with two update paths: a monotone raise
when a peer reports a higher height than before, and a full recompute when the
dominant reporter stops advancing (alt-chain retreat) or disconnects.
*/

// ObservedHeight returns the best known network tip height.
func (h *Handler) ObservedHeight() uint64 {
	h.observedHeightLock.Lock()
	defer h.observedHeightLock.Unlock()
	return h.observedHeight
}

// updateObservedHeight processes a height report from a peer. It must be
// called before the report is recorded in the connection context, so that the
// context still holds the peer's previous height.
func (h *Handler) updateObservedHeight(peerHeight uint64, c *net.Connection) {
	updated := false
	var newHeight uint64

	h.observedHeightLock.Lock()

	height := h.observedHeight
	if peerHeight > c.RemoteHeight() {
		if peerHeight > h.observedHeight {
			h.observedHeight = peerHeight
		}
		if h.observedHeight != height {
			updated = true
		}
	} else if c.RemoteHeight() == h.observedHeight {
		// the peer retreated (e.g. switched to an alternative chain) and was
		// the maximum observed reporter, recompute from scratch
		h.recalculateMaxObservedHeight(c)
		if h.observedHeight != height {
			updated = true
		}
	}
	newHeight = h.observedHeight

	h.observedHeightLock.Unlock()

	if updated {
		h.logger.WithField("observed_height", newHeight).Debug("Observed height updated")
		h.notifyHeightUpdated(newHeight)
	}
}

// recalculateMaxObservedHeight takes the maximum of every other peer's
// reported height and the local tip height. observedHeightLock must be held.
func (h *Handler) recalculateMaxObservedHeight(exclude *net.Connection) {
	var peerHeight uint64

	h.p2p.ForEachConnection(func(c *net.Connection) bool {
		if exclude == nil || c.ID() != exclude.ID() {
			if c.RemoteHeight() > peerHeight {
				peerHeight = c.RemoteHeight()
			}
		}
		return true
	})

	localHeight, _ := h.core.Top()

	if peerHeight > localHeight {
		h.observedHeight = peerHeight
	} else {
		h.observedHeight = localHeight
	}
}

// AddObserver registers an observer for height and peer-count notifications.
func (h *Handler) AddObserver(o Observer) {
	h.observersLock.Lock()
	defer h.observersLock.Unlock()
	h.observers = append(h.observers, o)
}

// RemoveObserver unregisters an observer.
func (h *Handler) RemoveObserver(o Observer) {
	h.observersLock.Lock()
	defer h.observersLock.Unlock()
	for i, obs := range h.observers {
		if obs == o {
			h.observers = append(h.observers[:i], h.observers[i+1:]...)
			return
		}
	}
}

func (h *Handler) currentObservers() []Observer {
	h.observersLock.Lock()
	defer h.observersLock.Unlock()
	observers := make([]Observer, len(h.observers))
	copy(observers, h.observers)
	return observers
}

func (h *Handler) notifyHeightUpdated(height uint64) {
	for _, o := range h.currentObservers() {
		o.LastKnownBlockHeightUpdated(height)
	}
}

func (h *Handler) notifyPeerCountUpdated(count int) {
	for _, o := range h.currentObservers() {
		o.PeerCountUpdated(count)
	}
}
