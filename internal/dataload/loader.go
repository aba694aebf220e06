// Package dataload prefetches batches from a dataset on a pool of worker
// goroutines.
package dataload

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/pointpillars/internal/detector"
	"github.com/banshee-data/pointpillars/internal/monitoring"
	"github.com/banshee-data/pointpillars/internal/tensor"
	"github.com/banshee-data/pointpillars/internal/timeutil"
)

// Options configures a Loader.
type Options struct {
	BatchSize  int
	NumWorkers int
	// Prefetch is the number of batches requested ahead of the consumer.
	// Zero means twice the worker count.
	Prefetch int
	Shuffle  bool
	// Clock seeds the shuffle and the worker generators. Defaults to the
	// real clock.
	Clock timeutil.Clock
}

// Loader splits a dataset into batches and loads them concurrently.
type Loader struct {
	ds   detector.Dataset
	opts Options
}

// New creates a Loader. Batch size and worker count are raised to 1 when
// unset.
func New(ds detector.Dataset, opts Options) *Loader {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 2 * opts.NumWorkers
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Loader{ds: ds, opts: opts}
}

// NumBatches is the number of batches in one pass, the last one possibly
// short.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() detector.Dataset { return l.ds }

func (l *Loader) plan() [][]int {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Clock.Now().UnixNano()))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var batches [][]int
	for start := 0; start < len(order); start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

type result struct {
	ex  tensor.Example
	err error
}

type job struct {
	indices []int
	out     chan result
}

// Iterator delivers the batches of one pass in order.
type Iterator struct {
	cancel context.CancelFunc
	gctx   context.Context
	g      *errgroup.Group
	slots  chan chan result
	err    error
	done   bool
}

// Iter starts the workers for one pass over the dataset. The caller must
// drain the iterator or call Close.
func (l *Loader) Iter(ctx context.Context) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	it := &Iterator{
		cancel: cancel,
		gctx:   gctx,
		g:      g,
		slots:  make(chan chan result, l.opts.Prefetch),
	}
	jobs := make(chan job)
	batches := l.plan()

	g.Go(func() error {
		defer close(jobs)
		defer close(it.slots)
		for _, indices := range batches {
			out := make(chan result, 1)
			select {
			case it.slots <- out:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- job{indices: indices, out: out}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	base := l.opts.Clock.Now().Unix()
	for w := 0; w < l.opts.NumWorkers; w++ {
		seed := base + int64(w)
		monitoring.Logf("WORKER %d seed: %d", w, seed)
		rng := rand.New(rand.NewSource(seed))
		g.Go(func() error {
			for j := range jobs {
				ex, err := l.load(j.indices, rng)
				j.out <- result{ex: ex, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return it
}

func (l *Loader) load(indices []int, rng *rand.Rand) (tensor.Example, error) {
	examples := make([]tensor.Example, len(indices))
	for i, idx := range indices {
		ex, err := l.ds.Get(idx, rng)
		if err != nil {
			return nil, fmt.Errorf("load example %d: %w", idx, err)
		}
		examples[i] = ex
	}
	return MergeBatch(examples)
}

// Next blocks for the next batch. At the end of the pass it returns ok=false
// and a nil error.
func (it *Iterator) Next(ctx context.Context) (tensor.Example, bool, error) {
	if it.err != nil {
		return nil, false, it.err
	}
	if it.done {
		return nil, false, nil
	}
	var out chan result
	select {
	case slot, ok := <-it.slots:
		if !ok {
			return nil, false, it.finish()
		}
		out = slot
	case <-it.gctx.Done():
		return nil, false, it.finish()
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case r := <-out:
		if r.err != nil {
			it.finish()
			it.err = r.err
			return nil, false, r.err
		}
		return r.ex, true, nil
	case <-it.gctx.Done():
		return nil, false, it.finish()
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (it *Iterator) finish() error {
	it.done = true
	err := it.g.Wait()
	it.cancel()
	if err != nil {
		it.err = err
	}
	return err
}

// Close stops the workers and waits for them to exit.
func (it *Iterator) Close() error {
	if it.done {
		return nil
	}
	it.cancel()
	it.done = true
	err := it.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
