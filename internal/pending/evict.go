package pending

import (
	"math"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// evictLowWater is the fraction of the ceiling an eviction pass aims for.
const evictLowWater = 0.9

type groupKey struct {
	priority int
	group    uint64
}

// evict thins the offline queue once it has reached the byte ceiling.
//
// Only the highest priority present is touched. Within it, every ungrouped
// record is droppable, as is every record of a group except its first and
// last GroupEdgeKeep. The records to drop are chosen by selection sampling
// during a single RemoveIf pass: each droppable record is dropped with
// probability need/remaining, which picks exactly the target count uniformly.
func (e *Engine) evict() {
	var (
		ungrouped = make(map[int]int)
		grouped   = make(map[groupKey]int)
		top       int
		seen      bool
	)
	e.offline.Visit(func(r types.Record) bool {
		p := r.Policy.Priority
		if !seen || p > top {
			top, seen = p, true
		}
		if g, ok := r.Policy.Group(); ok {
			grouped[groupKey{p, g}]++
		} else {
			ungrouped[p]++
		}
		return true
	})
	if !seen {
		return
	}

	keep := e.cfg.GroupEdgeKeep
	droppable := ungrouped[top]
	for k, n := range grouped {
		if k.priority == top && n > 2*keep {
			droppable += n - 2*keep
		}
	}

	before := e.offline.TotalBytes()
	if droppable == 0 {
		e.logger.Warn("pending: offline queue over ceiling with nothing droppable",
			"bytes", before,
			"ceiling", e.cfg.OfflineCeilingBytes,
			"priority", top,
			"records", e.offline.Len(),
		)
		return
	}
	target := min(e.evictionTarget(before), droppable)

	var (
		remaining = droppable
		need      = target
		position  = make(map[uint64]int)
		evicted   []types.Record
	)
	e.offline.RemoveIf(func(_ []byte, r types.Record) bool {
		if need == 0 || r.Policy.Priority != top {
			return false
		}
		if g, ok := r.Policy.Group(); ok {
			n := grouped[groupKey{top, g}]
			pos := position[g]
			position[g] = pos + 1
			if pos < keep || pos >= n-keep {
				return false
			}
		}
		drop := e.rnd.IntN(remaining) < need
		remaining--
		if drop {
			need--
			evicted = append(evicted, r)
		}
		return drop
	})

	for _, r := range evicted {
		e.releaseGroup(r)
		e.drop(r, DropEvicted)
	}
	e.metrics.RecordEvicted(e.label, len(evicted))
	e.logger.Info("pending: evicted offline records",
		"evicted", len(evicted),
		"priority", top,
		"bytes_before", before,
		"bytes_after", e.offline.TotalBytes(),
		"version", e.label,
	)
}

// evictionTarget estimates how many records must go to bring total down to
// the low-water mark, using the average raw record size scaled by the
// current compression ratio.
func (e *Engine) evictionTarget(total int) int {
	n := e.offline.Len()
	raw := e.offline.RawBytes()
	if n == 0 || raw == 0 {
		return 0
	}
	excess := float64(total) - evictLowWater*float64(e.cfg.OfflineCeilingBytes)
	avgRaw := float64(raw) / float64(n)
	ratio := float64(total) / float64(raw)
	perRecord := avgRaw * ratio
	if perRecord <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(excess/perRecord)))
}
