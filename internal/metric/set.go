package metric

// Set is an insertion-ordered collection of named metrics.
type Set struct {
	names   []string
	metrics map[string]Metric
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{metrics: make(map[string]Metric)}
}

// Add registers m under name, replacing any metric already there while
// keeping its position.
func (s *Set) Add(name string, m Metric) {
	if _, ok := s.metrics[name]; !ok {
		s.names = append(s.names, name)
	}
	s.metrics[name] = m
}

// Get returns the metric registered under name.
func (s *Set) Get(name string) (Metric, bool) {
	m, ok := s.metrics[name]
	return m, ok
}

// Names returns metric names in insertion order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of metrics.
func (s *Set) Len() int { return len(s.names) }

// ResetAll clears every metric.
func (s *Set) ResetAll() {
	for _, n := range s.names {
		s.metrics[n].Reset()
	}
}

// LogAll writes every metric to dest as "<name> | <value>".
func (s *Set) LogAll(dest string) error {
	for _, n := range s.names {
		if err := Log(s.metrics[n], dest, n+" | "); err != nil {
			return err
		}
	}
	return nil
}
