// Package metric provides the named quantities a run accumulates and logs:
// plain values, running averages and min/max ranges.
package metric

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Console is the destination name that routes Log output to stdout instead
// of a file.
const Console = "console"

// Metric is a named quantity that can be updated and logged on demand.
type Metric interface {
	// Update folds one or more observations into the metric.
	Update(values ...float64)
	// Reset clears accumulated state.
	Reset()
	// String renders the current state.
	String() string
}

// Value holds the most recent observation, a series, or a text label.
type Value struct {
	values []float64
	text   string
	isText bool
}

// NewValue creates a Value metric with optional initial values.
func NewValue(values ...float64) *Value {
	v := &Value{}
	v.Update(values...)
	return v
}

// NewText creates a Value metric holding a label such as an evaluation mode.
func NewText(s string) *Value {
	return &Value{text: s, isText: true}
}

// Update replaces the held values.
func (v *Value) Update(values ...float64) {
	v.values = append(v.values[:0], values...)
	v.isText = false
}

// Reset clears the value.
func (v *Value) Reset() {
	v.values = v.values[:0]
	v.text = ""
	v.isText = false
}

// Values returns a copy of the held values.
func (v *Value) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}

func (v *Value) String() string {
	if v.isText {
		return v.text
	}
	switch len(v.values) {
	case 0:
		return "none"
	case 1:
		return formatFloat(v.values[0])
	}
	parts := make([]string, len(v.values))
	for i, x := range v.values {
		parts[i] = formatFloat(x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Average keeps a running count and sum.
type Average struct {
	count int
	sum   float64
}

// NewAverage returns an empty running average.
func NewAverage() *Average { return &Average{} }

// Update adds each value as an observation.
func (a *Average) Update(values ...float64) {
	for _, x := range values {
		a.sum += x
		a.count++
	}
}

// Reset clears the average.
func (a *Average) Reset() {
	a.count = 0
	a.sum = 0
}

// Count returns the number of observations.
func (a *Average) Count() int { return a.count }

// Mean returns the average, or 0 with no observations.
func (a *Average) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *Average) String() string {
	return fmt.Sprintf("%s (n=%d)", formatFloat(a.Mean()), a.count)
}

// Range tracks the min, max and mean of the observations.
type Range struct {
	Average
	min, max float64
}

// NewRange returns an empty range summary.
func NewRange() *Range {
	return &Range{min: math.Inf(1), max: math.Inf(-1)}
}

// Update adds observations.
func (r *Range) Update(values ...float64) {
	for _, x := range values {
		if x < r.min {
			r.min = x
		}
		if x > r.max {
			r.max = x
		}
	}
	r.Average.Update(values...)
}

// Reset clears the range.
func (r *Range) Reset() {
	r.Average.Reset()
	r.min = math.Inf(1)
	r.max = math.Inf(-1)
}

// Bounds returns min and max; both are 0 with no observations.
func (r *Range) Bounds() (float64, float64) {
	if r.count == 0 {
		return 0, 0
	}
	return r.min, r.max
}

func (r *Range) String() string {
	lo, hi := r.Bounds()
	return fmt.Sprintf("%s [%s, %s] (n=%d)", formatFloat(r.Mean()), formatFloat(lo), formatFloat(hi), r.count)
}

// Log appends "<prefix><metric>" to dest, which is either Console or a file
// path opened in append mode.
func Log(m Metric, dest, prefix string) error {
	return writeLine(dest, prefix+m.String())
}

var consoleMu sync.Mutex

// ConsoleWriter is where Console-destined lines go. Tests may replace it.
var ConsoleWriter io.Writer = os.Stdout

func writeLine(dest, line string) error {
	if dest == Console {
		consoleMu.Lock()
		defer consoleMu.Unlock()
		_, err := fmt.Fprintln(ConsoleWriter, line)
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("write metrics file: %w", err)
	}
	return f.Close()
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 6, 64)
}
