package report

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/banshee-data/pointpillars/internal/monitoring"
)

// Sink receives the tagged summary stream. internal/summary implements it.
type Sink interface {
	AddScalar(tag string, step int64, value float64) error
	AddText(tag string, step int64, text string) error
}

// Reporter writes display lines to a run log and tagged values to a sink.
// Either may be nil.
type Reporter struct {
	log  *monitoring.RunLog
	sink Sink
}

// NewReporter creates a Reporter.
func NewReporter(log *monitoring.RunLog, sink Sink) *Reporter {
	return &Reporter{log: log, sink: sink}
}

// Report logs the "."-joined display line and writes the "/"-joined tags to
// the sink. List leaves become one scalar per element, tagged <tag>/<i>.
// Text leaves go to the sink as text.
func (r *Reporter) Report(step int64, t *Tree) error {
	r.log.Println(FormatLine(Flatten(t, ".")))
	return r.Summarize(step, t)
}

// Summarize writes the "/"-joined tags of t to the sink without logging.
func (r *Reporter) Summarize(step int64, t *Tree) error {
	if r.sink == nil {
		return nil
	}
	var errs []error
	for _, e := range Flatten(t, "/") {
		switch v := e.Value.(type) {
		case float64:
			errs = append(errs, r.sink.AddScalar(e.Key, step, v))
		case int64:
			errs = append(errs, r.sink.AddScalar(e.Key, step, float64(v)))
		case []float64:
			for i, x := range v {
				errs = append(errs, r.sink.AddScalar(e.Key+"/"+strconv.Itoa(i), step, x))
			}
		case string:
			errs = append(errs, r.sink.AddText(e.Key, step, v))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("write summary at step %d: %w", step, err)
	}
	return nil
}

// Scalar writes a single tagged value to the sink only.
func (r *Reporter) Scalar(tag string, step int64, v float64) error {
	if r.sink == nil {
		return nil
	}
	return r.sink.AddScalar(tag, step, v)
}

// Text logs text and records it under tag.
func (r *Reporter) Text(tag string, step int64, text string) error {
	r.log.Println(text)
	if r.sink == nil {
		return nil
	}
	return r.sink.AddText(tag, step, text)
}

// Println writes a plain line to the run log.
func (r *Reporter) Println(v ...interface{}) { r.log.Println(v...) }

// Printf writes a formatted line to the run log.
func (r *Reporter) Printf(format string, v ...interface{}) { r.log.Printf(format, v...) }
