package stream

import "time"

const (
	// GoodRate is the send rate in updates per second under good conditions.
	GoodRate = 15
	// BadRate is the send rate in updates per second under bad conditions.
	BadRate = 5

	// RTTThreshold separates good from bad round trip times.
	RTTThreshold = 250 * time.Millisecond

	initialPenalty  float32 = 4
	minPenalty      float32 = 1
	maxPenalty      float32 = 60
	penaltyDecayWin float32 = 10
)

// Mode is the flow condition.
type Mode int

const (
	Bad Mode = iota
	Good
)

func (m Mode) String() string {
	if m == Good {
		return "good"
	}
	return "bad"
}

// Flow picks the send interval of a stream from its round trip time.
//
// A stream starts Bad. It becomes Good once the round trip time has stayed
// under RTTThreshold for longer than the current penalty. Dropping back to
// Bad within 10 seconds of becoming Good doubles the penalty, and every
// 10 seconds of sustained good conditions halves it.
type Flow struct {
	mode                 Mode
	interval             float32
	penalty              float32
	goodConditions       float32
	reductionAccumulator float32
}

// NewFlow returns a flow controller in Bad mode.
func NewFlow() *Flow {
	f := &Flow{}
	f.Clear()
	return f
}

// Clear resets f to its initial state.
func (f *Flow) Clear() {
	f.mode = Bad
	f.interval = 1.0 / BadRate
	f.penalty = initialPenalty
	f.goodConditions = 0
	f.reductionAccumulator = 0
}

// Update advances the controller by dt with the current round trip time.
func (f *Flow) Update(rtt, dt time.Duration) {
	r := float32(rtt.Seconds())
	d := float32(dt.Seconds())
	threshold := float32(RTTThreshold.Seconds())

	if f.mode == Good {
		if r > threshold {
			f.mode = Bad
			f.interval = 1.0 / BadRate
			if f.goodConditions < penaltyDecayWin && f.penalty < maxPenalty {
				f.penalty *= 2
				if f.penalty > maxPenalty {
					f.penalty = maxPenalty
				}
			}
			f.goodConditions = 0
			f.reductionAccumulator = 0
		} else {
			f.goodConditions += d
			f.reductionAccumulator += d
			if f.reductionAccumulator > penaltyDecayWin && f.penalty > minPenalty {
				f.penalty /= 2
				if f.penalty < minPenalty {
					f.penalty = minPenalty
				}
				f.reductionAccumulator = 0
			}
		}
	}

	if f.mode == Bad {
		if r <= threshold {
			f.goodConditions += d
		} else {
			f.goodConditions = 0
		}
		if f.goodConditions > f.penalty {
			f.goodConditions = 0
			f.reductionAccumulator = 0
			f.mode = Good
			f.interval = 1.0 / GoodRate
		}
	}
}

// Mode returns the current condition.
func (f *Flow) Mode() Mode { return f.mode }

// Interval returns the time between updates for the current mode.
func (f *Flow) Interval() time.Duration { return seconds(f.interval) }

// Penalty returns how long good conditions must last before switching to Good.
func (f *Flow) Penalty() time.Duration { return seconds(f.penalty) }

func seconds(s float32) time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}
