package dbcore

import "time"

// OperationResult is returned by every public coordinator call and by
// PerformanceTracker.EndOperation; index methods return plain values.
// It bundles the call's result value with the I/O and timing cost of
// producing it, plus a flag for whether the call triggered an internal
// rebuild and a per-index cost breakdown (populated by the coordinator).
type OperationResult struct {
	Data               any
	ExecutionTimeMs    float64
	DiskReads          uint64
	DiskWrites         uint64
	RebuildTriggered   bool
	OperationBreakdown map[string]CostBreakdown
}

// TotalDiskAccesses is the sum of reads and writes.
func (r OperationResult) TotalDiskAccesses() uint64 { return r.DiskReads + r.DiskWrites }

// CostBreakdown is one entry ("primary_metrics", "secondary_metrics_<field>", ...)
// of an OperationResult's OperationBreakdown.
type CostBreakdown struct {
	Reads     uint64
	Writes    uint64
	TimeMs    float64
}

// PerformanceTracker is a nestable operation timer plus disk read/write
// counter. A call to StartOperation/EndOperation may itself invoke other
// tracked operations (e.g. a B+ tree insert triggering an internal split
// that also calls tracked node reads); EndOperation on the inner call
// folds its counters into the outer one instead of resetting them.
type PerformanceTracker struct {
	reads           uint64
	writes          uint64
	startTime       time.Time
	running         bool
	rebuildOccurred bool
	stack           []trackerFrame
}

type trackerFrame struct {
	reads           uint64
	writes          uint64
	startTime       time.Time
	rebuildOccurred bool
}

// Reset clears all counters and the operation stack.
func (p *PerformanceTracker) Reset() {
	p.reads = 0
	p.writes = 0
	p.running = false
	p.rebuildOccurred = false
	p.stack = nil
}

// StartOperation begins timing a (possibly nested) operation.
func (p *PerformanceTracker) StartOperation() {
	if p.running {
		p.stack = append(p.stack, trackerFrame{
			reads:           p.reads,
			writes:          p.writes,
			startTime:       p.startTime,
			rebuildOccurred: p.rebuildOccurred,
		})
	} else {
		p.reads = 0
		p.writes = 0
		p.rebuildOccurred = false
	}
	p.running = true
	p.startTime = time.Now()
}

// TrackRead records one disk read.
func (p *PerformanceTracker) TrackRead() { p.reads++ }

// TrackWrite records one disk write.
func (p *PerformanceTracker) TrackWrite() { p.writes++ }

// TrackRebuild marks the in-progress operation as having triggered an
// index rebuild; the flag propagates into every enclosing frame.
func (p *PerformanceTracker) TrackRebuild() { p.rebuildOccurred = true }

// EndOperation closes the innermost StartOperation, folding its counters
// into the enclosing frame (if any) and returning an OperationResult for
// this call's own contribution.
func (p *PerformanceTracker) EndOperation(data any, rebuildTriggered ...bool) OperationResult {
	elapsed := time.Since(p.startTime).Seconds() * 1000

	triggered := false
	if len(rebuildTriggered) > 0 {
		triggered = rebuildTriggered[0]
	}
	if triggered {
		p.rebuildOccurred = true
	}

	if n := len(p.stack); n > 0 {
		prev := p.stack[n-1]
		p.stack = p.stack[:n-1]

		ownReads := p.reads - prev.reads
		ownWrites := p.writes - prev.writes
		combinedRebuild := p.rebuildOccurred || prev.rebuildOccurred

		p.startTime = prev.startTime
		p.rebuildOccurred = combinedRebuild

		return OperationResult{
			Data:             data,
			ExecutionTimeMs:  elapsed,
			DiskReads:        ownReads,
			DiskWrites:       ownWrites,
			RebuildTriggered: combinedRebuild,
		}
	}

	result := OperationResult{
		Data:             data,
		ExecutionTimeMs:  elapsed,
		DiskReads:        p.reads,
		DiskWrites:       p.writes,
		RebuildTriggered: p.rebuildOccurred,
	}
	p.Reset()
	return result
}
