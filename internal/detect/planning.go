package detect

// Planning counts consecutive lines of future-intent chatter ("I'll ...",
// "Let me ...") and trips once the count exceeds a maximum.
type Planning struct {
	max   int
	count int
}

// NewPlanning returns a counter tripping after more than max consecutive
// planning lines. max <= 0 disables it.
func NewPlanning(max int) *Planning {
	return &Planning{max: max}
}

// Observe records one normalized line. Empty lines neither count nor reset.
func (p *Planning) Observe(line string) bool {
	if line == "" {
		return false
	}
	if !IsPlanningLine(line) {
		p.count = 0
		return false
	}
	p.count++
	return p.max > 0 && p.count > p.max
}

// Count returns the current run of consecutive planning lines.
func (p *Planning) Count() int {
	return p.count
}
