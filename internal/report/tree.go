// Package report flattens the nested per-step metrics of a training run into
// a console/log line and a tagged summary stream.
package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tree is an insertion-ordered nested metrics map. Leaf values are float64,
// int64, string or []float64; interior values are *Tree.
type Tree struct {
	keys []string
	vals map[string]interface{}
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{vals: make(map[string]interface{})}
}

func (t *Tree) put(key string, v interface{}) {
	if _, ok := t.vals[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.vals[key] = v
}

// Float sets a float leaf.
func (t *Tree) Float(key string, v float64) *Tree { t.put(key, v); return t }

// Int sets an integer leaf.
func (t *Tree) Int(key string, v int64) *Tree { t.put(key, v); return t }

// Text sets a string leaf.
func (t *Tree) Text(key, v string) *Tree { t.put(key, v); return t }

// Floats sets a list leaf. The slice is copied.
func (t *Tree) Floats(key string, v []float64) *Tree {
	t.put(key, append([]float64(nil), v...))
	return t
}

// Sub returns the subtree under key, creating it when absent or replacing a
// leaf stored there.
func (t *Tree) Sub(key string) *Tree {
	if s, ok := t.vals[key].(*Tree); ok {
		return s
	}
	s := NewTree()
	t.put(key, s)
	return s
}

// Merge copies every top-level entry of other into t, in other's order.
func (t *Tree) Merge(other *Tree) *Tree {
	if other == nil {
		return t
	}
	for _, k := range other.keys {
		t.put(k, other.vals[k])
	}
	return t
}

// Get returns the value stored at key.
func (t *Tree) Get(key string) (interface{}, bool) {
	v, ok := t.vals[key]
	return v, ok
}

// Len is the number of top-level entries.
func (t *Tree) Len() int { return len(t.keys) }

// Entry is one flattened leaf.
type Entry struct {
	Key   string
	Value interface{}
}

// Flatten joins nested keys with sep, preserving insertion order.
func Flatten(t *Tree, sep string) []Entry {
	var out []Entry
	flatten(t, sep, "", &out)
	return out
}

func flatten(t *Tree, sep, prefix string, out *[]Entry) {
	if t == nil {
		return
	}
	for _, k := range t.keys {
		key := k
		if prefix != "" {
			key = prefix + sep + k
		}
		if sub, ok := t.vals[k].(*Tree); ok {
			flatten(sub, sep, key, out)
			continue
		}
		*out = append(*out, Entry{Key: key, Value: t.vals[k]})
	}
}

// FormatLine renders entries as "k=v, k=v". Floats keep three significant
// digits.
func FormatLine(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Key + "=" + FormatValue(e.Value)
	}
	return strings.Join(parts, ", ")
}

// FormatValue renders one leaf value.
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return FormatFloat(x)
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = FormatFloat(f)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// FormatFloat prints three significant digits. Scientific notation is used
// from 100 upwards and below 1e-4; fixed-point results always carry a decimal
// point, so 2 prints as 2.0 and stays distinguishable from an integer count.
func FormatFloat(x float64) string {
	if math.IsNaN(x) {
		return "nan"
	}
	if math.IsInf(x, 1) {
		return "inf"
	}
	if math.IsInf(x, -1) {
		return "-inf"
	}
	sci := strconv.FormatFloat(x, 'e', 2, 64)
	i := strings.IndexByte(sci, 'e')
	exp, _ := strconv.Atoi(sci[i+1:])
	if x != 0 && (exp < -4 || exp >= 2) {
		mant := strings.TrimRight(strings.TrimRight(sci[:i], "0"), ".")
		return mant + sci[i:]
	}
	s := strconv.FormatFloat(x, 'g', 3, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
