package puller

import (
	"context"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/statsd-core/statsd/internal/event"
)

// BPFMapPuller reads already-aggregated per-uid counters out of a pinned
// eBPF map and emits one EventRecord per entry, the same (uid,
// column-index, value) shape as ProcFilePuller — a fifth family beyond the
// original four, supplementing them the way real statsd gained a BPF-map
// source over time.
//
// Keys are uint32 uids; values are a fixed-width slice of uint64 counters
// (one column per index), matching the layout cilium/ebpf's MapIterator
// hands back for a BPF_MAP_TYPE_HASH of that value type.
type BPFMapPuller struct {
	m *ebpf.Map
}

// NewBPFMapPuller wraps an already-opened, already-pinned map. Opening and
// pinning are a loader concern outside this package.
func NewBPFMapPuller(m *ebpf.Map) *BPFMapPuller {
	return &BPFMapPuller{m: m}
}

func (p *BPFMapPuller) PullInternal(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error) {
	if p.m == nil {
		return nil, &Error{Kind: Unavailable, Tag: tagID}
	}

	var (
		uid   uint32
		value []uint64
		out   []event.Record
	)

	iter := p.m.Iterate()
	for iter.Next(&uid, &value) {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: Timeout, Tag: tagID, Err: ctx.Err()}
		default:
		}
		for col, v := range value {
			rec, err := event.New(tagID, uid, 0, 0, 0, []event.Field{
				event.Int32(int32(col)),
				event.Int64(int64(v)),
			})
			if err != nil {
				return nil, &Error{Kind: Malformed, Tag: tagID, Err: err}
			}
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &Error{Kind: RemoteError, Tag: tagID, Err: fmt.Errorf("iterating bpf map: %w", err)}
	}
	return out, nil
}
