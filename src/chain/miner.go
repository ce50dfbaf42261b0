package chain

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Miner is the pausable mining facade. The protocol brackets block
// application with Pause and ResumeAndRebuildTemplate so that the template
// miner never races a sync batch. Pauses nest.
type Miner struct {
	l                sync.Mutex
	pauseCount       int
	templateRebuilds int
	logger           *logrus.Entry
}

// NewMiner creates a Miner in the running state.
func NewMiner(logger *logrus.Entry) *Miner {
	return &Miner{
		logger: logger,
	}
}

// Pause suspends template mining. Calls nest.
func (m *Miner) Pause() {
	m.l.Lock()
	defer m.l.Unlock()
	m.pauseCount++
}

// ResumeAndRebuildTemplate ends one Pause and marks the block template for
// rebuilding.
func (m *Miner) ResumeAndRebuildTemplate() {
	m.l.Lock()
	defer m.l.Unlock()

	if m.pauseCount == 0 {
		m.logger.Error("Miner resume without matching pause")
		return
	}

	m.pauseCount--
	m.templateRebuilds++
}

// InvalidateTemplate marks the block template for rebuilding without touching
// the pause state. Called when the chain tip moves.
func (m *Miner) InvalidateTemplate() {
	m.l.Lock()
	defer m.l.Unlock()
	m.templateRebuilds++
}

// Paused reports whether mining is currently suspended.
func (m *Miner) Paused() bool {
	m.l.Lock()
	defer m.l.Unlock()
	return m.pauseCount > 0
}

// TemplateRebuilds returns the number of template rebuilds so far.
func (m *Miner) TemplateRebuilds() int {
	m.l.Lock()
	defer m.l.Unlock()
	return m.templateRebuilds
}
