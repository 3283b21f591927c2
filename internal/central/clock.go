package central

import "time"

// Clock schedules the timed callbacks the state machine relies on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// timerKind names the phase a timer guards.
type timerKind uint8

const (
	timerScan timerKind = iota
	timerAttach
	timerSettle
)

func (k timerKind) String() string {
	switch k {
	case timerScan:
		return "scan"
	case timerAttach:
		return "attach"
	case timerSettle:
		return "settle"
	default:
		return "unknown"
	}
}

// guard is an armed timer tagged with the generation it belongs to. A
// firing whose generation no longer matches is discarded by the loop.
type guard struct {
	kind  timerKind
	gen   uint64
	timer Timer
}

func (g *guard) stop() {
	if g == nil || g.timer == nil {
		return
	}
	g.timer.Stop()
	g.timer = nil
}
