package pull

import (
	"sync"
	"time"

	"github.com/statsd-core/statsd/internal/event"
)

// TimerAlarmSource is the default AlarmSource, grounded directly on
// time.AfterFunc. Production code wires the daemon's elapsed-time clock in;
// tests typically supply a fake Clock and drive time manually (SetAlarm
// still schedules a real timer relative to wall time in that case unless
// the test also controls scheduling directly via onAlarm).
type TimerAlarmSource struct {
	mu    sync.Mutex
	clock event.Clock
	timer *time.Timer
	fired chan int64
}

func NewTimerAlarmSource(clock event.Clock) *TimerAlarmSource {
	if clock == nil {
		clock = event.SystemClock{}
	}
	return &TimerAlarmSource{clock: clock, fired: make(chan int64, 1)}
}

func (a *TimerAlarmSource) SetAlarm(elapsedNS int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	now, _ := a.clock.Now()
	d := time.Duration(elapsedNS - now)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() {
		fireNow, _ := a.clock.Now()
		select {
		case a.fired <- fireNow:
		default:
		}
	})
}

func (a *TimerAlarmSource) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *TimerAlarmSource) Fired() <-chan int64 { return a.fired }
