package limiter

import "time"

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// gate admits a dispatch while both rolling windows are below their ceiling.
// Each history is sized to its ceiling, so memory is bounded by config.
type gate struct {
	perMinute int
	perHour   int
	minute    *history
	hour      *history
}

func newGate(perMinute, perHour int) *gate {
	return &gate{
		perMinute: perMinute,
		perHour:   perHour,
		minute:    newHistory(perMinute),
		hour:      newHistory(perHour),
	}
}

// at is the time elapsed since the service started.
func (g *gate) admit(at time.Duration) bool {
	if g.minute.countWithin(minuteWindow, at) >= g.perMinute {
		return false
	}
	return g.hour.countWithin(hourWindow, at) < g.perHour
}

func (g *gate) record(at time.Duration) {
	g.minute.record(at)
	g.hour.record(at)
}

func (g *gate) occupancy(at time.Duration) (minute, hour int) {
	return g.minute.countWithin(minuteWindow, at), g.hour.countWithin(hourWindow, at)
}
