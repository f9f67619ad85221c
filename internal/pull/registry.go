package pull

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/puller"
	"github.com/statsd-core/statsd/internal/uidmap"
)

type atomInfo struct {
	cooldownNS           int64
	pullTimeoutNS        int64
	additiveFieldIndices map[uint16]bool
	puller               puller.Puller
}

// cacheEntry is the PullCache (C6) state machine per tag: Cold is
// represented by lastPullElapsedNS == 0 and a nil cachedBatch; Warm by
// anything else (a successful pull always leaves a non-nil, possibly empty,
// cachedBatch, so a pull at elapsed 0 still warms the entry). Pulling is
// never observable outside the
// registry mutex because pullLocked holds it for the entire underlying
// pull.
type cacheEntry struct {
	lastPullElapsedNS     int64
	cachedBatch           []event.Record
	minObservedIntervalNS int64
}

// Registry combines PullerRegistry, PullCache, AlarmScheduler and
// SubscriberTable behind a single mutex (the mu field below).
type Registry struct {
	cfg         Config
	diag        Diagnostics
	uidResolver uidmap.Resolver
	clock       event.Clock
	alarm       AlarmSource

	mu      sync.Mutex
	infos   map[uint32]*atomInfo
	cache   map[uint32]*cacheEntry
	arena   *arena
	subs    map[uint32][]*subscription
	armedAt int64

	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	handle            Handle
	intervalNS        int64
	nextFireElapsedNS int64
}

// NewRegistry constructs a Registry. clock defaults to event.SystemClock{}
// if nil. alarm may be nil (no subscribers will ever be scheduled, useful
// for pull-only embeddings/tests).
func NewRegistry(cfg Config, diag Diagnostics, uidResolver uidmap.Resolver, clock event.Clock, alarm AlarmSource) *Registry {
	if clock == nil {
		clock = event.SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:         cfg,
		diag:        diag,
		uidResolver: uidResolver,
		clock:       clock,
		alarm:       alarm,
		infos:       make(map[uint32]*atomInfo),
		cache:       make(map[uint32]*cacheEntry),
		arena:       newArena(),
		subs:        make(map[uint32][]*subscription),
		armedAt:     -1,
		ctx:         ctx,
		cancel:      cancel,
	}
	if alarm != nil {
		go r.runScheduler(ctx)
	}
	return r
}

// Close stops the scheduler goroutine and cancels the alarm source.
func (r *Registry) Close() {
	r.cancel()
	if r.alarm != nil {
		r.alarm.Cancel()
	}
}

// Register installs or replaces the PullAtomInfo for tagID. A second
// registration for the same tag is idempotent in the sense required by
// §8 ("has the same observable effect as a single register") only when the
// info is unchanged; per §4.3 it always invalidates the cache entry.
func (r *Registry) Register(tagID uint32, info PullAtomInfo) error {
	if tagID == 0 {
		return fmt.Errorf("pull: register: tag_id must be non-zero")
	}
	if info.Puller == nil {
		return fmt.Errorf("pull: register tag %d: puller is required", tagID)
	}
	cooldown := info.CooldownNS
	if cooldown == UseDefault {
		cooldown = r.cfg.DefaultCooldownNS
	}
	if cooldown < 0 {
		return fmt.Errorf("pull: register tag %d: cooldown_ns must be >= 0", tagID)
	}
	timeout := info.PullTimeoutNS
	if timeout == UseDefault {
		timeout = r.cfg.DefaultPullTimeoutNS
	}
	if timeout <= 0 {
		return fmt.Errorf("pull: register tag %d: pull_timeout_ns must be > 0", tagID)
	}

	additive := make(map[uint16]bool, len(info.AdditiveFieldIndices))
	for _, idx := range info.AdditiveFieldIndices {
		additive[idx] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[tagID] = &atomInfo{
		cooldownNS:           cooldown,
		pullTimeoutNS:        timeout,
		additiveFieldIndices: additive,
		puller:               info.Puller,
	}
	delete(r.cache, tagID)
	return nil
}

// Pull is the single user-facing pull entry point (§4.3).
func (r *Registry) Pull(tagID uint32, elapsedNS int64) ([]event.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullLocked(tagID, elapsedNS)
}

func (r *Registry) pullLocked(tagID uint32, elapsedNS int64) ([]event.Record, error) {
	info, ok := r.infos[tagID]
	if !ok {
		return nil, &puller.Error{Kind: puller.Unavailable, Tag: tagID}
	}
	if r.diag != nil {
		r.diag.NotePull(tagID)
	}

	entry := r.cache[tagID]
	if entry == nil {
		entry = &cacheEntry{}
		r.cache[tagID] = entry
	}

	if entry.lastPullElapsedNS != 0 || entry.cachedBatch != nil {
		interval := elapsedNS - entry.lastPullElapsedNS
		if entry.minObservedIntervalNS == 0 || interval < entry.minObservedIntervalNS {
			entry.minObservedIntervalNS = interval
		}
		if interval < info.cooldownNS {
			if r.diag != nil {
				r.diag.NotePullFromCache(tagID)
			}
			_, wallNS := r.clock.Now()
			out := make([]event.Record, len(entry.cachedBatch))
			for i, rec := range entry.cachedBatch {
				out[i] = rec.Clone().WithTimes(elapsedNS, wallNS)
			}
			return out, nil
		}
		if r.diag != nil {
			r.diag.NotePullDelay(tagID, interval)
		}
	}

	entry.lastPullElapsedNS = elapsedNS
	entry.cachedBatch = nil

	deadline := elapsedNS + info.pullTimeoutNS
	callStart := time.Now()
	batch, err := info.puller.PullInternal(r.ctx, tagID, deadline)
	spentNS := time.Since(callStart).Nanoseconds()
	if r.diag != nil {
		r.diag.NotePullTime(tagID, spentNS)
	}

	if err != nil {
		if r.diag != nil {
			if puller.KindOf(err) == puller.Timeout {
				r.diag.NotePullTimeout(tagID)
			} else {
				r.diag.NotePullFail(tagID)
			}
		}
		return nil, err
	}

	merged := r.applyIsolatedUIDMerge(batch, info.additiveFieldIndices)
	_, wallNS := r.clock.Now()
	stamped := make([]event.Record, len(merged))
	for i, rec := range merged {
		stamped[i] = rec.WithTimes(elapsedNS, wallNS)
	}
	if len(stamped) == 0 && r.diag != nil {
		r.diag.NoteEmptyPull(tagID)
	}

	entry.cachedBatch = stamped
	return event.CloneBatch(stamped), nil
}

// ForceClearCache empties every tag's cached batch and resets
// last_pull_elapsed_ns, per §4.3.
func (r *Registry) ForceClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cache {
		e.cachedBatch = nil
		e.lastPullElapsedNS = 0
	}
}

// ForceClearCacheTag is the operator-surface extension (SPEC_FULL §5) that
// clears a single tag's cache entry instead of every tag.
func (r *Registry) ForceClearCacheTag(tagID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[tagID]; ok {
		e.cachedBatch = nil
		e.lastPullElapsedNS = 0
	}
}

// ClearCacheIfStale clears any entry whose last pull is older than its
// cooldown, reclaiming memory. Per §9's open question, nothing in this
// package or cmd/statsd calls this on a schedule — it is reachable only
// from the operator socket.
func (r *Registry) ClearCacheIfStale(now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tagID, e := range r.cache {
		info, ok := r.infos[tagID]
		if !ok || (e.lastPullElapsedNS == 0 && e.cachedBatch == nil) {
			continue
		}
		if now-e.lastPullElapsedNS > info.cooldownNS {
			e.cachedBatch = nil
			e.lastPullElapsedNS = 0
		}
	}
}

// applyIsolatedUIDMerge rewrites isolated uids to their host uid and merges
// records that collapse onto the same (host_uid, non-additive-fields)
// tuple, summing the fields named by additive. Non-additive duplicates
// keep the first occurrence, per §4.3.
func (r *Registry) applyIsolatedUIDMerge(batch []event.Record, additive map[uint16]bool) []event.Record {
	if r.uidResolver == nil || len(batch) == 0 {
		return batch
	}

	type mergeKey struct {
		uid        uint32
		nonAdditive string
	}
	order := make([]mergeKey, 0, len(batch))
	merged := make(map[mergeKey]*event.Record, len(batch))

	for _, rec := range batch {
		rc := rec.Clone()
		if host, isolated := r.uidResolver.Resolve(rc.UID); isolated {
			rc.UID = host
		}

		k := mergeKey{uid: rc.UID, nonAdditive: nonAdditiveFingerprint(rc.Fields, additive)}
		if existing, ok := merged[k]; ok {
			sumAdditiveFields(existing.Fields, rc.Fields, additive)
			continue
		}
		cp := rc
		merged[k] = &cp
		order = append(order, k)
	}

	out := make([]event.Record, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

func nonAdditiveFingerprint(fields []event.Field, additive map[uint16]bool) string {
	var b []byte
	for i, f := range fields {
		if additive[uint16(i)] {
			continue
		}
		b = append(b, fieldFingerprint(f)...)
		b = append(b, '|')
	}
	return string(b)
}

func fieldFingerprint(f event.Field) []byte {
	switch f.Kind {
	case event.FieldInt32:
		return []byte(fmt.Sprintf("i32:%d", f.I32))
	case event.FieldInt64:
		return []byte(fmt.Sprintf("i64:%d", f.I64))
	case event.FieldFloat:
		return []byte(fmt.Sprintf("f64:%v", f.F64))
	case event.FieldString:
		return []byte(fmt.Sprintf("str:%s", f.Str))
	case event.FieldBool:
		return []byte(fmt.Sprintf("bool:%v", f.Bool))
	case event.FieldBytes:
		return append([]byte("bytes:"), f.Bytes...)
	case event.FieldAttributionChain:
		return []byte(fmt.Sprintf("chain:%v", f.Chain))
	default:
		return nil
	}
}

func sumAdditiveFields(dst, src []event.Field, additive map[uint16]bool) {
	for idx := range additive {
		i := int(idx)
		if i >= len(dst) || i >= len(src) {
			continue
		}
		switch dst[i].Kind {
		case event.FieldInt32:
			dst[i].I32 += src[i].I32
		case event.FieldInt64:
			dst[i].I64 += src[i].I64
		case event.FieldFloat:
			dst[i].F64 += src[i].F64
		}
	}
}
