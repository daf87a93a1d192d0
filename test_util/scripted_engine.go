package test_util

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"concord/internal/engine"
)

// ScriptedEngine is a deterministic stand-in for the corpus search library.
// Each started job grows its result by one chunk per Save call and reports
// finished after TicksToFinish saves. The produced file is a line per
// result item, so every prefix is a valid partial result.
type ScriptedEngine struct {
	TicksToFinish int
	FinalSize     int64
	StartErr      error

	mu     sync.Mutex
	starts int
}

func (e *ScriptedEngine) Start(_ context.Context, corpus, subcorpus string, steps []string) (engine.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.StartErr != nil {
		return nil, e.StartErr
	}
	e.starts++

	ticks := e.TicksToFinish
	if ticks < 1 {
		ticks = 1
	}
	return &scriptedJob{ticksToFinish: ticks, finalSize: e.FinalSize}, nil
}

// Starts reports how many jobs were launched (single-flight assertions).
func (e *ScriptedEngine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

type scriptedJob struct {
	mu            sync.Mutex
	saves         int
	ticksToFinish int
	finalSize     int64
}

func (j *scriptedJob) cur() int64 {
	if j.saves >= j.ticksToFinish {
		return j.finalSize
	}
	return j.finalSize * int64(j.saves) / int64(j.ticksToFinish)
}

func (j *scriptedJob) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saves >= j.ticksToFinish
}

func (j *scriptedJob) Save(path string, partial bool) error {
	j.mu.Lock()
	if j.saves < j.ticksToFinish {
		j.saves++
	}
	n := j.cur()
	j.mu.Unlock()

	var sb strings.Builder
	for i := int64(0); i < n; i++ {
		fmt.Fprintf(&sb, "item-%d\n", i)
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

func (j *scriptedJob) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cur()
}

func (j *scriptedJob) Sizes() engine.Sizes {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := j.cur()
	return engine.Sizes{ConcSize: n, FullSize: j.finalSize, RelConcSize: n}
}
