package detect

import "unicode/utf8"

// minMeaningfulLen is the normalized length at or below which a line is too
// generic to count toward repetition ("Done.", "}", "OK").
const minMeaningfulLen = 10

// Repetition detects doom loops: the same line seen too often, or a block of
// lines repeating back to back.
type Repetition struct {
	window     int
	identical  int
	repeat     int
	maxPattern int
	lines      []string
}

// NewRepetition returns a detector over the last window meaningful lines.
// identical > 0 triggers when the newest line occurs identical times in the
// window (itself included). repeat >= 2 triggers when, for some block length
// L in 1..maxPattern, the last L*repeat lines are repeat copies of one block.
func NewRepetition(window, identical, repeat, maxPattern int) *Repetition {
	if window < 1 {
		window = 1
	}
	if maxPattern < 1 {
		maxPattern = 1
	}
	return &Repetition{
		window:     window,
		identical:  identical,
		repeat:     repeat,
		maxPattern: maxPattern,
		lines:      make([]string, 0, window),
	}
}

// Observe records one output line and reports whether the window now shows a
// doom loop.
func (r *Repetition) Observe(line string) bool {
	n := Normalize(line)
	if utf8.RuneCountInString(n) <= minMeaningfulLen {
		return false
	}

	if len(r.lines) == r.window {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
	}
	r.lines = append(r.lines, n)

	if r.identical > 0 {
		count := 0
		for _, l := range r.lines {
			if l == n {
				count++
			}
		}
		if count >= r.identical {
			return true
		}
	}

	if r.repeat >= 2 {
		for size := 1; size <= r.maxPattern; size++ {
			if size*r.repeat > len(r.lines) {
				break
			}
			if r.periodic(size) {
				return true
			}
		}
	}
	return false
}

// periodic reports whether the tail of the window is r.repeat consecutive
// copies of a block of the given size.
func (r *Repetition) periodic(size int) bool {
	total := size * r.repeat
	tail := r.lines[len(r.lines)-total:]
	for i := size; i < total; i++ {
		if tail[i] != tail[i-size] {
			return false
		}
	}
	return true
}

// Len returns the number of lines currently held in the window.
func (r *Repetition) Len() int {
	return len(r.lines)
}
