package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointpillars/internal/monitoring"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

type point struct {
	tag  string
	step int64
	val  float64
	text string
}

type fakeSink struct {
	points []point
	fail   error
}

func (s *fakeSink) AddScalar(tag string, step int64, v float64) error {
	s.points = append(s.points, point{tag: tag, step: step, val: v})
	return s.fail
}

func (s *fakeSink) AddText(tag string, step int64, text string) error {
	s.points = append(s.points, point{tag: tag, step: step, text: text})
	return s.fail
}

func sampleTree() *Tree {
	t := NewTree().Int("step", 50).Float("steptime", 0.1234)
	loss := t.Sub("loss")
	loss.Floats("loc_elem", []float64{0.5, 0.25})
	loss.Float("cls_pos_rt", 2)
	t.Int("num_vox", 12000)
	t.Text("image_idx", "000123")
	return t
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	dot := Flatten(sampleTree(), ".")
	keys := make([]string, len(dot))
	for i, e := range dot {
		keys[i] = e.Key
	}
	assert.Equal(t, []string{"step", "steptime", "loss.loc_elem", "loss.cls_pos_rt", "num_vox", "image_idx"}, keys)

	slash := Flatten(sampleTree(), "/")
	assert.Equal(t, "loss/loc_elem", slash[2].Key)
	assert.Empty(t, Flatten(nil, "."))
}

func TestFormatLine(t *testing.T) {
	t.Parallel()

	got := FormatLine(Flatten(sampleTree(), "."))
	assert.Equal(t,
		"step=50, steptime=0.123, loss.loc_elem=[0.5, 0.25], loss.cls_pos_rt=2.0, num_vox=12000, image_idx=000123",
		got)
}

func TestFormatFloat(t *testing.T) {
	t.Parallel()

	tests := map[float64]string{
		1:        "1.0",
		0.000123: "0.000123",
		123456:   "1.23e+05",
		100:      "1e+02",
		-2.5:     "-2.5",
		25:       "25.0",
		0:        "0.0",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatFloat(in), "%v", in)
	}
}

func TestTree_SubAndMerge(t *testing.T) {
	t.Parallel()

	tree := NewTree().Float("a", 1)
	tree.Sub("a").Float("b", 2)
	v, ok := tree.Get("a")
	require.True(t, ok)
	_, isTree := v.(*Tree)
	assert.True(t, isTree)
	assert.Same(t, tree.Sub("a"), tree.Sub("a"))

	net := NewTree().Float("cls_loss", 0.3).Float("loc_loss", 0.7)
	tree.Merge(net).Merge(nil)
	assert.Equal(t, 3, tree.Len())
}

func TestReporter_Report(t *testing.T) {
	var console, file bytes.Buffer
	sink := &fakeSink{}
	r := NewReporter(monitoring.NewRunLog(&console, nopCloser{&file}), sink)

	require.NoError(t, r.Report(50, sampleTree()))

	line := "step=50, steptime=0.123, loss.loc_elem=[0.5, 0.25], loss.cls_pos_rt=2.0, num_vox=12000, image_idx=000123\n"
	assert.Equal(t, line, console.String())
	assert.Equal(t, line, file.String())

	tags := make([]string, len(sink.points))
	for i, p := range sink.points {
		tags[i] = p.tag
		assert.Equal(t, int64(50), p.step)
	}
	assert.Equal(t, []string{"step", "steptime", "loss/loc_elem/0", "loss/loc_elem/1", "loss/cls_pos_rt", "num_vox", "image_idx"}, tags)
	assert.Equal(t, 0.25, sink.points[3].val)
	assert.Equal(t, "000123", sink.points[6].text)
}

func TestReporter_SinkErrorsAreJoined(t *testing.T) {
	sink := &fakeSink{fail: errors.New("disk full")}
	r := NewReporter(nil, sink)
	err := r.Report(1, NewTree().Float("a", 1).Float("b", 2))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full"))
	assert.Len(t, sink.points, 2)
}

func TestReporter_TextAndScalar(t *testing.T) {
	var console bytes.Buffer
	sink := &fakeSink{}
	r := NewReporter(monitoring.NewRunLog(&console, nil), sink)

	require.NoError(t, r.Text("eval_result", 100, "Car AP: 90.0"))
	require.NoError(t, r.Scalar("3d_map", 100, 0.75))
	assert.Equal(t, "Car AP: 90.0\n", console.String())
	require.Len(t, sink.points, 2)
	assert.Equal(t, point{tag: "3d_map", step: 100, val: 0.75}, sink.points[1])

	quiet := NewReporter(nil, nil)
	assert.NoError(t, quiet.Report(1, sampleTree()))
	assert.NoError(t, quiet.Scalar("x", 1, 1))
}

func TestReporter_SummarizeSkipsLog(t *testing.T) {
	var console bytes.Buffer
	sink := &fakeSink{}
	r := NewReporter(monitoring.NewRunLog(&console, nil), sink)

	require.NoError(t, r.Summarize(5, sampleTree()))
	assert.Empty(t, console.String())
	assert.Len(t, sink.points, 7)
}
