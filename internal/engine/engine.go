// Package engine declares the capability this core expects from the corpus
// search library. The engine is an external collaborator: the cache only
// starts jobs and observes their incremental output.
package engine

import "context"

// Sizes are the engine-reported result counters at some point in time.
type Sizes struct {
	ConcSize    int64 `json:"concsize"`
	FullSize    int64 `json:"fullsize"`
	RelConcSize int64 `json:"relconcsize"`
}

// Job is a handle to a running (or finished) corpus search.
//
// Save must produce a file whose every prefix is itself a valid partial
// result; that property is what allows the coordinator to stream snapshots
// via write-to-temp + atomic rename while readers follow along.
type Job interface {
	// Finished reports whether the search has produced its final result.
	Finished() bool
	// Save flushes the current result state to path.
	Save(path string, partial bool) error
	// Size is the number of result items currently available.
	Size() int64
	// Sizes returns the current counters.
	Sizes() Sizes
}

// Engine starts corpus searches.
type Engine interface {
	Start(ctx context.Context, corpus, subcorpus string, steps []string) (Job, error)
}
