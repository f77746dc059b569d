package model

// LinearSchedule ramps the learning rate linearly over the warmup steps,
// then decays it linearly to zero at the final training step.
type LinearSchedule struct {
	base    float64
	warmup  int
	total   int
	current int
}

func NewLinearSchedule(base float64, warmupSteps, totalSteps int) *LinearSchedule {
	return &LinearSchedule{base: base, warmup: warmupSteps, total: totalSteps}
}

// Step advances the schedule by one optimizer step.
func (s *LinearSchedule) Step() { s.current++ }

// LR returns the learning rate for the current step.
func (s *LinearSchedule) LR() float64 {
	if s.warmup > 0 && s.current < s.warmup {
		return s.base * float64(s.current) / float64(s.warmup)
	}
	if s.total <= s.warmup {
		return s.base
	}
	remaining := float64(s.total - s.current)
	if remaining < 0 {
		remaining = 0
	}
	return s.base * remaining / float64(s.total-s.warmup)
}
