package supervisor

import "strings"

// Startup markers printed by the inference binary. The three component
// markers may appear in any order; the ready marker concludes startup.
var componentMarkers = []string{
	"Model loaded",
	"P2P node started",
	"API server started",
}

const readyMarker = "Fabstir LLM Node is running"

// markerTracker watches the child log stream for the startup sequence.
type markerTracker struct {
	seen  map[string]bool
	ready bool
}

func newMarkerTracker() *markerTracker {
	return &markerTracker{seen: make(map[string]bool)}
}

// Observe feeds one log line. It returns true once all component markers and
// the ready marker have been seen.
func (m *markerTracker) Observe(line string) bool {
	if m.ready {
		return true
	}
	for _, marker := range componentMarkers {
		if strings.Contains(line, marker) {
			m.seen[marker] = true
		}
	}
	if strings.Contains(line, readyMarker) && len(m.seen) == len(componentMarkers) {
		m.ready = true
	}
	return m.ready
}

// Missing lists markers not yet observed, for timeout diagnostics.
func (m *markerTracker) Missing() []string {
	var out []string
	for _, marker := range componentMarkers {
		if !m.seen[marker] {
			out = append(out, marker)
		}
	}
	if !m.ready {
		out = append(out, readyMarker)
	}
	return out
}
