package pipeline

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/zaporter/trl/orchestrator/data"
	"github.com/zaporter/trl/orchestrator/metrics"
)

// PPORolloutStorage buffers experience between MakeExperience and Learn.
// The orchestrator writes and the learner reads, possibly from different goroutines.
type PPORolloutStorage struct {
	mu       sync.RWMutex
	elements []data.PPORLElement
	seed     uint64
}

type StorageOption func(*PPORolloutStorage)

// WithPlaceholder starts the buffer with one zero-value element so a loader
// can be built and handed to an accelerator before any experience exists.
// Callers Clear it afterwards.
func WithPlaceholder() StorageOption {
	return func(s *PPORolloutStorage) {
		s.elements = append(s.elements, data.PPORLElement{})
	}
}

func WithSeed(seed uint64) StorageOption {
	return func(s *PPORolloutStorage) {
		s.seed = seed
	}
}

func NewPPORolloutStorage(opts ...StorageOption) *PPORolloutStorage {
	s := &PPORolloutStorage{}
	for _, opt := range opts {
		opt(s)
	}
	metrics.RolloutStoreSize.Set(float64(len(s.elements)))
	return s
}

func (s *PPORolloutStorage) Push(elems ...data.PPORLElement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = append(s.elements, elems...)
	metrics.RolloutStoreSize.Set(float64(len(s.elements)))
}

func (s *PPORolloutStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = nil
	metrics.RolloutStoreSize.Set(0)
}

func (s *PPORolloutStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

func (s *PPORolloutStorage) At(i int) data.PPORLElement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elements[i]
}

func (s *PPORolloutStorage) Elements() []data.PPORLElement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]data.PPORLElement(nil), s.elements...)
}

// snapshot is a point-in-time view so a loader never sees a half-pushed buffer.
type snapshot []data.PPORLElement

func (s snapshot) Len() int                   { return len(s) }
func (s snapshot) At(i int) data.PPORLElement { return s[i] }

// CreateLoader batches the elements present when it is called.
func (s *PPORolloutStorage) CreateLoader(batchSize int, shuffle bool, prep PrepFunc[data.PPORLBatch], numWorkers int) *Loader[data.PPORLElement, data.PPORLBatch] {
	return NewLoader[data.PPORLElement, data.PPORLBatch](snapshot(s.Elements()), data.CollatePPO, LoaderOptions[data.PPORLBatch]{
		Name:       "rollouts",
		BatchSize:  batchSize,
		Shuffle:    shuffle,
		NumWorkers: numWorkers,
		Seed:       s.seed,
		Prep:       prep,
	})
}

type StorageStats struct {
	Count              int     `json:"count"`
	MeanScore          float64 `json:"mean_score"`
	MeanResponseLength float64 `json:"mean_response_length"`
}

func (s *PPORolloutStorage) Stats() StorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := StorageStats{Count: len(s.elements)}
	if stats.Count == 0 {
		return stats
	}
	for _, e := range s.elements {
		stats.MeanScore += e.Score()
		stats.MeanResponseLength += float64(len(e.ResponseTokens))
	}
	stats.MeanScore /= float64(stats.Count)
	stats.MeanResponseLength /= float64(stats.Count)
	return stats
}

// DumpJSONL writes one element per line.
func (s *PPORolloutStorage) DumpJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range s.Elements() {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
