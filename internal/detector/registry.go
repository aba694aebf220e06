package detector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NetworkOptions is passed to a registered network constructor.
type NetworkOptions struct {
	ClassNames []string
	LidarInput bool
	Params     json.RawMessage
}

// DatasetOptions is passed to a registered dataset constructor.
type DatasetOptions struct {
	ClassNames []string
	Path       string
	Training   bool
	Params     json.RawMessage
}

type (
	NetworkFactory func(NetworkOptions) (Network, error)
	DatasetFactory func(DatasetOptions) (Dataset, error)
	ScorerFactory  func() (Scorer, error)
)

var (
	mu       sync.RWMutex
	networks = map[string]NetworkFactory{}
	datasets = map[string]DatasetFactory{}
	scorers  = map[string]ScorerFactory{}
)

// RegisterNetwork makes a network constructor available under name. It
// panics on duplicates, like database/sql.Register.
func RegisterNetwork(name string, f NetworkFactory) { register(networks, "network", name, f) }

// RegisterDataset makes a dataset constructor available under name.
func RegisterDataset(name string, f DatasetFactory) { register(datasets, "dataset", name, f) }

// RegisterScorer makes a scorer constructor available under name.
func RegisterScorer(name string, f ScorerFactory) { register(scorers, "scorer", name, f) }

func register[F any](m map[string]F, kind, name string, f F) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := m[name]; dup {
		panic(fmt.Sprintf("detector: %s %q registered twice", kind, name))
	}
	m[name] = f
}

func lookup[F any](m map[string]F, kind, name string) (F, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := m[name]
	if !ok {
		known := make([]string, 0, len(m))
		for k := range m {
			known = append(known, k)
		}
		sort.Strings(known)
		return f, fmt.Errorf("unknown %s %q (registered: %s)", kind, name, strings.Join(known, ", "))
	}
	return f, nil
}

// NewNetwork builds the network registered under name.
func NewNetwork(name string, opts NetworkOptions) (Network, error) {
	f, err := lookup(networks, "network", name)
	if err != nil {
		return nil, err
	}
	return f(opts)
}

// NewDataset builds the dataset registered under name.
func NewDataset(name string, opts DatasetOptions) (Dataset, error) {
	f, err := lookup(datasets, "dataset", name)
	if err != nil {
		return nil, err
	}
	return f(opts)
}

// NewEvalDataset builds a dataset and checks that it carries ground truth.
func NewEvalDataset(name string, opts DatasetOptions) (EvalDataset, error) {
	ds, err := NewDataset(name, opts)
	if err != nil {
		return nil, err
	}
	eds, ok := ds.(EvalDataset)
	if !ok {
		return nil, fmt.Errorf("dataset %q has no ground-truth infos", name)
	}
	return eds, nil
}

// NewScorer builds the scorer registered under name.
func NewScorer(name string) (Scorer, error) {
	f, err := lookup(scorers, "scorer", name)
	if err != nil {
		return nil, err
	}
	return f()
}
