package tracker

import (
	"time"

	"github.com/ternarybob/custos/internal/interfaces"
)

// timerHandle wraps a time.Timer as an opaque cancellable handle
type timerHandle struct {
	timer *time.Timer
}

func (h *timerHandle) Stop() {
	h.timer.Stop()
}

// timerScheduler is the production TickScheduler backed by the runtime timer
// wheel. Callbacks run in their own goroutine, as time.AfterFunc does.
type timerScheduler struct{}

// NewTimerScheduler returns a wall-clock scheduler for production use
func NewTimerScheduler() interfaces.TickScheduler {
	return &timerScheduler{}
}

func (s *timerScheduler) After(d time.Duration, fn func()) interfaces.TimerHandle {
	return &timerHandle{timer: time.AfterFunc(d, fn)}
}
