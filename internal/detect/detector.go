package detect

import (
	"regexp"
	"sync"
)

// Config holds the detector thresholds.
type Config struct {
	DoomLoopWindow             int
	DoomLoopRepeatThreshold    int
	DoomLoopMaxPatternLength   int
	DoomLoopIdenticalThreshold int
	MaxPlanningLines           int
	UnsupportedTools           []string
}

// Defaults
const (
	DefaultDoomLoopWindow             = 32
	DefaultDoomLoopRepeatThreshold    = 6
	DefaultDoomLoopMaxPatternLength   = 4
	DefaultDoomLoopIdenticalThreshold = 0
	DefaultMaxPlanningLines           = 30
)

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DoomLoopWindow:             DefaultDoomLoopWindow,
		DoomLoopRepeatThreshold:    DefaultDoomLoopRepeatThreshold,
		DoomLoopMaxPatternLength:   DefaultDoomLoopMaxPatternLength,
		DoomLoopIdenticalThreshold: DefaultDoomLoopIdenticalThreshold,
		MaxPlanningLines:           DefaultMaxPlanningLines,
		UnsupportedTools:           []string{"todowrite", "todoread"},
	}
}

// Detector runs every stdout and stderr check for one process. Each reason
// fires at most once; fired reasons are never cleared.
type Detector struct {
	mu          sync.Mutex
	repetition  *Repetition
	planning    *Planning
	unsupported *regexp.Regexp
	fired       []Reason
}

// New returns a Detector for a single process run.
func New(cfg Config) *Detector {
	return &Detector{
		repetition: NewRepetition(
			cfg.DoomLoopWindow,
			cfg.DoomLoopIdenticalThreshold,
			cfg.DoomLoopRepeatThreshold,
			cfg.DoomLoopMaxPatternLength,
		),
		planning:    NewPlanning(cfg.MaxPlanningLines),
		unsupported: compileUnsupportedTools(cfg.UnsupportedTools),
	}
}

// Stdout checks one assistant output line. It returns the abort reason the
// first time a condition is met, and "" otherwise.
func (d *Detector) Stdout(line string) Reason {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := Normalize(line)
	if n == "" {
		return ""
	}

	switch {
	case IsPermissionPrompt(n):
		return d.fire(ReasonPermissionPrompt)
	case d.unsupported != nil && d.unsupported.MatchString(n):
		return d.fire(ReasonUnsupportedTool)
	case IsForegroundCommand(n):
		return d.fire(ReasonForegroundCommand)
	}

	if d.planning.Observe(n) {
		return d.fire(ReasonPlanningLoop)
	}
	if d.repetition.Observe(n) {
		return d.fire(ReasonDoomLoop)
	}
	return ""
}

// Stderr checks one diagnostic line. Only quota signals are looked for.
func (d *Detector) Stderr(line string) Reason {
	if !IsQuotaExceeded(line) {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fire(ReasonQuotaExceeded)
}

// Fired returns the reasons raised so far, in order.
func (d *Detector) Fired() []Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Reason(nil), d.fired...)
}

func (d *Detector) fire(r Reason) Reason {
	for _, f := range d.fired {
		if f == r {
			return ""
		}
	}
	d.fired = append(d.fired, r)
	return r
}
