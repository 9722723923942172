package purchase

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/pkg/logger"
)

// Switch is the runtime on/off control of the auto-purchase.
type Switch struct {
	running atomic.Bool
	log     *logrus.Entry
}

func NewSwitch(initial bool, log *logrus.Entry) *Switch {
	s := &Switch{log: logger.OrDefault(log, "purchase-switch")}
	s.running.Store(initial)
	return s
}

func (s *Switch) IsRunning() bool { return s.running.Load() }

func (s *Switch) Start() {
	if !s.running.Swap(true) {
		s.log.Info("auto-purchase started")
	}
}

func (s *Switch) Stop() {
	if s.running.Swap(false) {
		s.log.Info("auto-purchase stopped")
	}
}
