package pipeline

import (
	"context"
	"iter"
	"math/rand/v2"
	"sync"

	"github.com/zaporter/trl/orchestrator/metrics"
	"golang.org/x/sync/errgroup"
)

// Dataset is anything indexable that a Loader can batch.
type Dataset[T any] interface {
	Len() int
	At(i int) T
}

type CollateFunc[T, B any] func([]T) (B, error)

// PrepFunc post-processes a collated batch before it is yielded.
type PrepFunc[B any] func(B) (B, error)

type LoaderOptions[B any] struct {
	Name       string
	BatchSize  int
	Shuffle    bool
	DropLast   bool
	NumWorkers int
	Seed       uint64
	Prep       PrepFunc[B]
}

// Loader yields batches from a dataset. Each call to All is one pass; with
// Shuffle the order is re-drawn once at the start of every pass.
type Loader[T, B any] struct {
	ds      Dataset[T]
	collate CollateFunc[T, B]
	opts    LoaderOptions[B]

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewLoader[T, B any](ds Dataset[T], collate CollateFunc[T, B], opts LoaderOptions[B]) *Loader[T, B] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Name == "" {
		opts.Name = "loader"
	}
	return &Loader[T, B]{
		ds:      ds,
		collate: collate,
		opts:    opts,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

func (l *Loader[T, B]) BatchSize() int {
	return l.opts.BatchSize
}

func (l *Loader[T, B]) Len() int {
	return l.ds.Len()
}

func (l *Loader[T, B]) NumBatches() int {
	n := l.ds.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

func (l *Loader[T, B]) order() []int {
	n := l.ds.Len()
	if !l.opts.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return l.rng.Perm(n)
}

func (l *Loader[T, B]) spans() [][]int {
	idx := l.order()
	numBatches := l.NumBatches()
	out := make([][]int, 0, numBatches)
	for b := 0; b < numBatches; b++ {
		start := b * l.opts.BatchSize
		end := min(start+l.opts.BatchSize, len(idx))
		out = append(out, idx[start:end])
	}
	return out
}

func (l *Loader[T, B]) build(span []int) (B, error) {
	elems := make([]T, len(span))
	for i, j := range span {
		elems[i] = l.ds.At(j)
	}
	batch, err := l.collate(elems)
	if err == nil && l.opts.Prep != nil {
		batch, err = l.opts.Prep(batch)
	}
	if err != nil {
		metrics.CollationErrors.WithLabelValues(l.opts.Name).Inc()
		var zero B
		return zero, err
	}
	metrics.BatchesCollated.WithLabelValues(l.opts.Name).Inc()
	return batch, nil
}

// All runs one pass over the dataset. The first error is yielded and ends the
// pass. Breaking out of the loop stops any background workers.
func (l *Loader[T, B]) All(ctx context.Context) iter.Seq2[B, error] {
	if l.opts.NumWorkers > 0 {
		return l.parallel(ctx)
	}
	return func(yield func(B, error) bool) {
		for _, span := range l.spans() {
			if err := ctx.Err(); err != nil {
				var zero B
				yield(zero, err)
				return
			}
			batch, err := l.build(span)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

type built[B any] struct {
	batch B
	err   error
}

func (l *Loader[T, B]) parallel(ctx context.Context) iter.Seq2[B, error] {
	return func(yield func(B, error) bool) {
		spans := l.spans()
		ctx, cancel := context.WithCancel(ctx)

		// every slot is buffered so workers never block on a slow consumer;
		// the window semaphore bounds how far ahead they get.
		slots := make([]chan built[B], len(spans))
		for i := range slots {
			slots[i] = make(chan built[B], 1)
		}
		window := make(chan struct{}, 2*l.opts.NumWorkers)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.opts.NumWorkers + 1)
		g.Go(func() error {
			for i, span := range spans {
				select {
				case <-gctx.Done():
					return nil
				case window <- struct{}{}:
				}
				g.Go(func() error {
					batch, err := l.build(span)
					slots[i] <- built[B]{batch: batch, err: err}
					return nil
				})
			}
			return nil
		})
		defer func() {
			cancel()
			_ = g.Wait()
		}()

		for i := range slots {
			var res built[B]
			select {
			case <-ctx.Done():
				var zero B
				yield(zero, ctx.Err())
				return
			case res = <-slots[i]:
			}
			<-window
			if !yield(res.batch, res.err) || res.err != nil {
				return
			}
		}
	}
}
