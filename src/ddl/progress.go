package ddl

import (
	"time"

	"github.com/google/uuid"
)

type Stage int32

const (
	StagePending Stage = iota
	StageScan
	StageSort
	StageCatchUp
	StageFinish
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageScan:
		return "scan"
	case StageSort:
		return "sort"
	case StageCatchUp:
		return "catch-up"
	case StageFinish:
		return "finish"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a snapshot of a running build.
type Progress struct {
	Stage Stage

	// Rows is the number of rows scanned so far.
	Rows uint64

	LogRecords uint64
	// LogBytes is the number of logged bytes that are not applied yet.
	LogBytes uint64
	Applied  uint64
}

type Result struct {
	ID uuid.UUID

	// Published lists the indexes made part of the table, or the table
	// itself after a rebuild.
	Published []string
	Failed    map[string]error

	Rows       uint64
	LogRecords uint64
	Duration   time.Duration
}

func (b *Build) setStage(s Stage) {
	b.stage.Store(int32(s))
}

func (b *Build) Stage() Stage {
	return Stage(b.stage.Load())
}

// Progress may be called concurrently with Run.
func (b *Build) Progress() Progress {
	p := Progress{Stage: b.Stage()}

	b.mu.Lock()
	if b.scanner != nil {
		p.Rows = b.scanner.Rows()
	}
	b.mu.Unlock()

	for _, st := range b.streams {
		p.LogRecords += st.log.Records()

		a := st.applier.Load()
		if a == nil {
			p.LogBytes += uint64(st.log.Tail())
			continue
		}
		p.LogBytes += a.Progress()
		p.Applied += a.Applied()
	}
	return p
}
