package types

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Timing records the start and end of a single processing stage
type Timing struct {
	Start time.Time
	End   time.Time
}

func (t *Timing) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// TimingMap holds the timing of each stage of handling a record, keyed by stage name (download, process, ...)
type TimingMap map[string]Timing

// Track starts timing a stage; the returned func ends it
func (m TimingMap) Track(stage string) func() {
	start := time.Now()
	return func() {
		m[stage] = Timing{Start: start, End: time.Now()}
	}
}

// LogValues returns stage durations as slog key/value pairs, in stage name order
func (m TimingMap) LogValues() []any {
	keys := maps.Keys(m)
	slices.Sort(keys)
	res := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		t := m[k]
		res = append(res, k, t.Duration().String())
	}
	return res
}

func (m TimingMap) String() string {
	var sb strings.Builder
	sb.WriteString("Timing:\n")
	// get max label length
	maxLabelLen := 0
	for k := range m {
		if len(k) > maxLabelLen {
			maxLabelLen = len(k)
		}
	}

	keys := maps.Keys(m)
	slices.Sort(keys)
	for _, k := range keys {
		v := m[k]
		sb.WriteString(k)
		sb.WriteString(":")
		// pad label to max length
		for i := len(k); i < maxLabelLen; i++ {
			sb.WriteString(" ")
		}
		sb.WriteString(v.Duration().String())
		sb.WriteString("\n")
	}
	return sb.String()
}
