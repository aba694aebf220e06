// Package anno models per-image annotation records: named columns that share
// a leading object count, used both for detections and ground truth.
package anno

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the element type of a column.
type Kind int

const (
	Float64 Kind = iota
	Int64
	Int32
	String
)

func (k Kind) String() string {
	switch k {
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case String:
		return "string"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Detection field names, in the order records are built.
const (
	FieldName       = "name"
	FieldTruncated  = "truncated"
	FieldOccluded   = "occluded"
	FieldAlpha      = "alpha"
	FieldBBox       = "bbox"
	FieldDimensions = "dimensions"
	FieldLocation   = "location"
	FieldRotationY  = "rotation_y"
	FieldScore      = "score"
	FieldImageIdx   = "image_idx"
)

// Ground-truth only fields.
const (
	FieldIndex         = "index"
	FieldGroupIDs      = "group_ids"
	FieldDifficulty    = "difficulty"
	FieldNumPointsInGT = "num_points_in_gt"
)

// DetectionFields lists the columns of a detection record before image_idx.
var DetectionFields = []string{
	FieldName, FieldTruncated, FieldOccluded, FieldAlpha, FieldBBox,
	FieldDimensions, FieldLocation, FieldRotationY, FieldScore,
}

// Column is a row-major array whose first dimension is the object count.
// Exactly one of the data slices is used, selected by Kind.
type Column struct {
	Kind    Kind
	Shape   []int
	Floats  []float64
	Ints    []int64
	Strings []string
}

// Len is the leading dimension.
func (c Column) Len() int {
	if len(c.Shape) == 0 {
		return 0
	}
	return c.Shape[0]
}

// Width is the number of values per object.
func (c Column) Width() int {
	w := 1
	if len(c.Shape) < 2 {
		return w
	}
	for _, d := range c.Shape[1:] {
		w *= d
	}
	return w
}

func (c Column) size() int {
	switch c.Kind {
	case Float64:
		return len(c.Floats)
	case Int64, Int32:
		return len(c.Ints)
	case String:
		return len(c.Strings)
	}
	return -1
}

// Row returns the float values of object i. It panics for non-float columns.
func (c Column) Row(i int) []float64 {
	if c.Kind != Float64 {
		panic("anno: Row on " + c.Kind.String() + " column")
	}
	w := c.Width()
	return c.Floats[i*w : (i+1)*w]
}

// EmptyColumn returns a zero-length column of kind with the given trailing
// dimensions.
func EmptyColumn(kind Kind, trailing ...int) Column {
	c := Column{Kind: kind, Shape: append([]int{0}, trailing...)}
	switch kind {
	case Float64:
		c.Floats = []float64{}
	case Int64, Int32:
		c.Ints = []int64{}
	case String:
		c.Strings = []string{}
	}
	return c
}

// Floats builds a float64 column of n rows of width values each. A width of
// zero or one yields a 1-D column.
func Floats(values []float64, width int) Column {
	if width <= 1 {
		return Column{Kind: Float64, Shape: []int{len(values)}, Floats: values}
	}
	return Column{Kind: Float64, Shape: []int{len(values) / width, width}, Floats: values}
}

// Ints builds a 1-D integer column of the given kind.
func Ints(kind Kind, values []int64) Column {
	return Column{Kind: kind, Shape: []int{len(values)}, Ints: values}
}

// Strings builds a 1-D string column.
func Strings(values []string) Column {
	return Column{Kind: String, Shape: []int{len(values)}, Strings: values}
}

// Field is a named column.
type Field struct {
	Name   string
	Column Column
}

// Record is an ordered set of columns describing the objects of one image.
// A record with zero objects is a valid value, distinct from no record.
type Record struct {
	Fields []Field
}

// Get returns the named column.
func (r *Record) Get(name string) (Column, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Column, true
		}
	}
	return Column{}, false
}

// Has reports whether the record has the named column.
func (r *Record) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Set replaces the named column or appends it.
func (r *Record) Set(name string, c Column) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Column = c
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Column: c})
}

// Names returns field names in order.
func (r *Record) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// Len is the object count, taken from the name column when present.
func (r *Record) Len() int {
	if c, ok := r.Get(FieldName); ok {
		return c.Len()
	}
	if len(r.Fields) == 0 {
		return 0
	}
	return r.Fields[0].Column.Len()
}

// Validate checks that every column has the same leading length and that its
// data matches its shape.
func (r *Record) Validate() error {
	n := r.Len()
	for _, f := range r.Fields {
		c := f.Column
		if len(c.Shape) == 0 {
			return fmt.Errorf("field %s: missing shape", f.Name)
		}
		if c.Len() != n {
			return fmt.Errorf("field %s: %d objects, record has %d", f.Name, c.Len(), n)
		}
		if want := c.Len() * c.Width(); c.size() != want {
			return fmt.Errorf("field %s: %d values for shape %v", f.Name, c.size(), c.Shape)
		}
	}
	return nil
}

// EmptyDetection returns the canonical record for an image without
// detections: every field is a zero-length float64 column, bbox is (0,4),
// dimensions and location are (0,3), and image_idx is a zero-length int64
// column.
func EmptyDetection() Record {
	var r Record
	for _, name := range DetectionFields {
		switch name {
		case FieldBBox:
			r.Set(name, EmptyColumn(Float64, 4))
		case FieldDimensions, FieldLocation:
			r.Set(name, EmptyColumn(Float64, 3))
		default:
			r.Set(name, EmptyColumn(Float64))
		}
	}
	r.Set(FieldImageIdx, EmptyColumn(Int64))
	return r
}

// MarshalJSON writes the record as an object keyed by field name, preserving
// field order. Two-dimensional columns become arrays of rows.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.Name)
		buf.Write(key)
		buf.WriteByte(':')
		v, err := json.Marshal(f.Column.rows())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c Column) rows() interface{} {
	w := c.Width()
	n := c.Len()
	switch c.Kind {
	case Float64:
		if len(c.Shape) == 1 {
			return c.Floats
		}
		out := make([][]float64, n)
		for i := range out {
			out[i] = c.Floats[i*w : (i+1)*w]
		}
		return out
	case Int64, Int32:
		if len(c.Shape) == 1 {
			return c.Ints
		}
		out := make([][]int64, n)
		for i := range out {
			out[i] = c.Ints[i*w : (i+1)*w]
		}
		return out
	default:
		return c.Strings
	}
}

// Select returns a column holding the rows at idx, in that order.
func (c Column) Select(idx []int) Column {
	w := c.Width()
	out := Column{Kind: c.Kind, Shape: append([]int{len(idx)}, c.Shape[1:]...)}
	switch c.Kind {
	case Float64:
		out.Floats = make([]float64, 0, len(idx)*w)
		for _, i := range idx {
			out.Floats = append(out.Floats, c.Floats[i*w:(i+1)*w]...)
		}
	case Int64, Int32:
		out.Ints = make([]int64, 0, len(idx)*w)
		for _, i := range idx {
			out.Ints = append(out.Ints, c.Ints[i*w:(i+1)*w]...)
		}
	case String:
		out.Strings = make([]string, 0, len(idx)*w)
		for _, i := range idx {
			out.Strings = append(out.Strings, c.Strings[i*w:(i+1)*w]...)
		}
	}
	return out
}
