package puller

import (
	"context"
	"time"

	"github.com/statsd-core/statsd/internal/event"
)

// Callback is a client-registered function invoked with the same
// deadline contract as every other family (§4.3 family 3).
type Callback func(ctx context.Context, tagID uint32) ([]event.Record, error)

// CallbackPuller dispatches to a single registered Callback.
type CallbackPuller struct {
	fn Callback
}

func NewCallbackPuller(fn Callback) *CallbackPuller {
	return &CallbackPuller{fn: fn}
}

func (p *CallbackPuller) PullInternal(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error) {
	if p.fn == nil {
		return nil, &Error{Kind: Unavailable, Tag: tagID}
	}

	deadline := time.Unix(0, deadlineNS)
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type result struct {
		recs []event.Record
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		recs, err := p.fn(cctx, tagID)
		ch <- result{recs, err}
	}()

	select {
	case <-cctx.Done():
		return nil, &Error{Kind: Timeout, Tag: tagID, Err: cctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return nil, &Error{Kind: RemoteError, Tag: tagID, Err: r.err}
		}
		return r.recs, nil
	}
}
