// Package diagnostics implements the Diagnostics collaborator (C9):
// thread-safe counters, bounded event histories, and a point-in-time
// serialized snapshot, plus the additive Prometheus/bbolt reporting
// surfaces described in SPEC_FULL.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultHistoryCap bounds the loss-report and overflow-timestamp lists.
const DefaultHistoryCap = 20

// TagCounters is the per-tag counter set from §4.6/§C9.
type TagCounters struct {
	TotalPulls      uint64 `json:"total_pulls"`
	CacheHits       uint64 `json:"cache_hits"`
	PullFail        uint64 `json:"pull_fail"`
	PullTimeout     uint64 `json:"pull_timeout"`
	EmptyPulls      uint64 `json:"empty_pulls"`
	PushedAtoms     uint64 `json:"pushed_atoms"`
	MinIntervalNS   int64  `json:"min_observed_interval_ns"`
	PullTimeCount   uint64 `json:"pull_time_count"`
	PullTimeSumNS   int64  `json:"pull_time_sum_ns"`
	PullTimeMaxNS   int64  `json:"pull_time_max_ns"`
	PullDelayCount  uint64 `json:"pull_delay_count"`
	PullDelaySumNS  int64  `json:"pull_delay_sum_ns"`
	PullDelayMaxNS  int64  `json:"pull_delay_max_ns"`
}

// LossRecord is one entry of the bounded log-loss history.
type LossRecord struct {
	WallSec     int64  `json:"wall_sec"`
	DroppedCount uint32 `json:"dropped_count"`
	ErrorCode   uint32 `json:"error_code"`
	LastAtomTag uint32 `json:"last_atom_tag"`
	UID         uint32 `json:"uid"`
	PID         uint32 `json:"pid"`
}

// OverflowRecord is one entry of the bounded queue-overflow history.
type OverflowRecord struct {
	OldestElapsedNS int64 `json:"oldest_elapsed_ns"`
}

// Diagnostics is the C9 collaborator. The zero value is not usable; build
// one with New.
type Diagnostics struct {
	mu sync.Mutex

	maxPushedAtomID uint32
	lossHistoryCap  int
	overflowHistCap int

	tags          map[uint32]*TagCounters
	framingErrors uint64
	lossHistory   []LossRecord
	overflowHist  []OverflowRecord
}

// Config configures a Diagnostics instance.
type Config struct {
	MaxPushedAtomID    uint32
	LogLossHistoryCap  int
	OverflowHistoryCap int
}

func New(cfg Config) *Diagnostics {
	lossCap := cfg.LogLossHistoryCap
	if lossCap <= 0 {
		lossCap = DefaultHistoryCap
	}
	overflowCap := cfg.OverflowHistoryCap
	if overflowCap <= 0 {
		overflowCap = DefaultHistoryCap
	}
	return &Diagnostics{
		maxPushedAtomID: cfg.MaxPushedAtomID,
		lossHistoryCap:  lossCap,
		overflowHistCap: overflowCap,
		tags:            make(map[uint32]*TagCounters),
	}
}

func (d *Diagnostics) tagLocked(tagID uint32) *TagCounters {
	tc, ok := d.tags[tagID]
	if !ok {
		tc = &TagCounters{}
		d.tags[tagID] = tc
	}
	return tc
}

// NotePushedAtom increments the per-tag pushed-atom counter. No-op for
// tag_id >= MaxPushedAtomID when MaxPushedAtomID is configured (non-zero).
func (d *Diagnostics) NotePushedAtom(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxPushedAtomID != 0 && tagID >= d.maxPushedAtomID {
		return
	}
	d.tagLocked(tagID).PushedAtoms++
}

func (d *Diagnostics) NoteFramingError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.framingErrors++
}

// NoteOverflow records a queue-overflow event, keyed by the rejected
// push's oldest_elapsed_ns, in a bounded history with oldest-drop
// replacement.
func (d *Diagnostics) NoteOverflow(oldestElapsedNS int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overflowHist = appendBounded(d.overflowHist, OverflowRecord{OldestElapsedNS: oldestElapsedNS}, d.overflowHistCap)
}

func (d *Diagnostics) NoteLogLost(wallSec int64, droppedCount uint32, errorTag uint32, lastAtomTag uint32, uid, pid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lossHistory = appendBounded(d.lossHistory, LossRecord{
		WallSec: wallSec, DroppedCount: droppedCount, ErrorCode: errorTag,
		LastAtomTag: lastAtomTag, UID: uid, PID: pid,
	}, d.lossHistoryCap)
}

func appendBounded[T any](list []T, item T, limit int) []T {
	list = append(list, item)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func (d *Diagnostics) NotePull(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagLocked(tagID).TotalPulls++
}

func (d *Diagnostics) NotePullFromCache(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagLocked(tagID).CacheHits++
}

func (d *Diagnostics) NotePullFail(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagLocked(tagID).PullFail++
}

func (d *Diagnostics) NotePullTimeout(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagLocked(tagID).PullTimeout++
}

func (d *Diagnostics) NoteEmptyPull(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagLocked(tagID).EmptyPulls++
}

func (d *Diagnostics) NotePullTime(tagID uint32, ns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tc := d.tagLocked(tagID)
	tc.PullTimeCount++
	tc.PullTimeSumNS += ns
	if ns > tc.PullTimeMaxNS {
		tc.PullTimeMaxNS = ns
	}
}

// NotePullDelay records the interval since a tag's previous non-cached
// pull, maintaining count/sum/max; the same stream also feeds
// min_observed_interval_ns since both describe inter-pull spacing.
func (d *Diagnostics) NotePullDelay(tagID uint32, ns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tc := d.tagLocked(tagID)
	tc.PullDelayCount++
	tc.PullDelaySumNS += ns
	if ns > tc.PullDelayMaxNS {
		tc.PullDelayMaxNS = ns
	}
	if tc.MinIntervalNS == 0 || ns < tc.MinIntervalNS {
		tc.MinIntervalNS = ns
	}
}

// Reset clears historical counters but preserves the set of known tag ids,
// per §4.6.
func (d *Diagnostics) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tagID := range d.tags {
		d.tags[tagID] = &TagCounters{}
	}
	d.framingErrors = 0
	d.lossHistory = nil
	d.overflowHist = nil
}

// Snapshot is the serialized report from §6: "No bit-exact schema is
// mandated here; implementations MUST be stable across a single process
// lifetime." This implementation stabilizes on a JSON document.
type Snapshot struct {
	Tags          map[uint32]TagCounters `json:"tags"`
	FramingErrors uint64                 `json:"framing_errors"`
	LossHistory   []LossRecord           `json:"loss_history"`
	OverflowHist  []OverflowRecord       `json:"overflow_history"`
}

func (d *Diagnostics) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags := make(map[uint32]TagCounters, len(d.tags))
	for tagID, tc := range d.tags {
		tags[tagID] = *tc
	}
	return Snapshot{
		Tags:          tags,
		FramingErrors: d.framingErrors,
		LossHistory:   append([]LossRecord(nil), d.lossHistory...),
		OverflowHist:  append([]OverflowRecord(nil), d.overflowHist...),
	}
}

// MarshalBytes renders s as the length-delimited-friendly report body; the
// caller prefixes a length if the transport requires framing.
func (s Snapshot) MarshalBytes() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: marshal snapshot: %w", err)
	}
	return b, nil
}
