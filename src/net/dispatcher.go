package net

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatcher routes inbound messages to registered command handlers,
// enforcing the public / quorum-only split.
type dispatcher struct {
	sync.RWMutex
	public map[string]Handler
	quorum map[string]Handler
	logger *logrus.Entry
}

func newDispatcher(logger *logrus.Entry) *dispatcher {
	return &dispatcher{
		public: make(map[string]Handler),
		quorum: make(map[string]Handler),
		logger: logger,
	}
}

func (d *dispatcher) registerPublic(cmd string, h Handler) {
	d.Lock()
	defer d.Unlock()
	d.public[cmd] = h
}

func (d *dispatcher) registerSN(cmd string, h Handler) {
	d.Lock()
	defer d.Unlock()
	d.quorum[cmd] = h
}

// dispatch runs the handler for m, if m is allowed to trigger it. Unknown
// commands and quorum commands from non-SN senders are logged and dropped.
func (d *dispatcher) dispatch(m *Message) {
	d.RLock()
	h, isPublic := d.public[m.Cmd]
	if !isPublic {
		h = d.quorum[m.Cmd]
	}
	d.RUnlock()

	if h == nil {
		d.logger.WithField("cmd", m.Cmd).Info("Ignoring unknown command")
		return
	}

	if !isPublic && !m.SN {
		d.logger.WithFields(logrus.Fields{
			"cmd":    m.Cmd,
			"pubkey": m.Pubkey,
		}).Info("Dropping quorum command from non-SN sender")
		return
	}

	h(m)
}
