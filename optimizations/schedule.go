package optimizations

// LinearSchedule is linear warmup from 0 to BaseLR over WarmupSteps, then
// linear decay to 0 at TotalSteps.
type LinearSchedule struct {
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
	step        int
}

func NewLinearSchedule(baseLR float64, warmupSteps, totalSteps int) *LinearSchedule {
	return &LinearSchedule{BaseLR: baseLR, WarmupSteps: warmupSteps, TotalSteps: totalSteps}
}

// Factor is the multiplier applied to BaseLR at optimizer step s.
// Steps past TotalSteps are clamped to it.
func (s *LinearSchedule) Factor(step int) float64 {
	if step > s.TotalSteps {
		step = s.TotalSteps
	}
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	remaining := float64(s.TotalSteps - step)
	return max(0.0, remaining/float64(max(1, s.TotalSteps-s.WarmupSteps)))
}

// LR is the learning rate for the current step.
func (s *LinearSchedule) LR() float64 {
	return s.BaseLR * s.Factor(s.step)
}

func (s *LinearSchedule) Step() {
	if s.step < s.TotalSteps {
		s.step++
	}
}

func (s *LinearSchedule) Current() int {
	return s.step
}

// Restore sets the step counter, used when resuming from a checkpoint.
func (s *LinearSchedule) Restore(step int) {
	s.step = min(max(0, step), s.TotalSteps)
}
