package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/puller"
)

// Puller invokes a named remote PullService over an existing *grpc.ClientConn,
// converting wire records to event.Records — the concrete RPC puller family
// (§4.3 family 2).
type Puller struct {
	cc *grpc.ClientConn
}

func NewPuller(cc *grpc.ClientConn) *Puller {
	return &Puller{cc: cc}
}

func (p *Puller) PullInternal(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error) {
	deadline := time.Unix(0, deadlineNS)
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req := &PullRequest{TagID: tagID, DeadlineNS: deadlineNS}
	resp := new(PullResponse)

	err := p.cc.Invoke(cctx, methodPull, req, resp, grpc.CallContentSubtype(CodecName))
	if err != nil {
		if cctx.Err() != nil {
			return nil, &puller.Error{Kind: puller.Timeout, Tag: tagID, Err: cctx.Err()}
		}
		return nil, &puller.Error{Kind: puller.RemoteError, Tag: tagID, Err: fmt.Errorf("pull rpc: %w", err)}
	}
	if !resp.Ok {
		return nil, &puller.Error{Kind: puller.RemoteError, Tag: tagID, Err: fmt.Errorf("remote: %s", resp.Error)}
	}

	out := make([]event.Record, 0, len(resp.Records))
	for _, wr := range resp.Records {
		fields, err := decodeFields(wr.Fields)
		if err != nil {
			return nil, &puller.Error{Kind: puller.Malformed, Tag: tagID, Err: err}
		}
		rec, err := event.New(tagID, wr.UID, wr.PID, 0, 0, fields)
		if err != nil {
			return nil, &puller.Error{Kind: puller.Malformed, Tag: tagID, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeFields(wfs []WireField) ([]event.Field, error) {
	fields := make([]event.Field, 0, len(wfs))
	for _, wf := range wfs {
		switch event.FieldKind(wf.Kind) {
		case event.FieldInt32:
			fields = append(fields, event.Int32(wf.I32))
		case event.FieldInt64:
			fields = append(fields, event.Int64(wf.I64))
		case event.FieldFloat:
			fields = append(fields, event.Float(wf.F64))
		case event.FieldString:
			fields = append(fields, event.String(wf.Str))
		case event.FieldBool:
			fields = append(fields, event.Bool(wf.Bool))
		case event.FieldBytes:
			fields = append(fields, event.BytesField(wf.Bytes))
		case event.FieldAttributionChain:
			chain := make(event.AttributionChain, len(wf.Chain))
			for i, n := range wf.Chain {
				chain[i] = event.AttributionNode{UID: n.UID, Tag: n.Tag}
			}
			fields = append(fields, event.Attribution(chain))
		default:
			return nil, fmt.Errorf("rpc: unknown wire field kind %d", wf.Kind)
		}
	}
	return fields, nil
}

// EncodeFields is the encoder-side counterpart of decodeFields, exported for
// server implementations that need to build a PullResponse from
// event.Records.
func EncodeFields(fields []event.Field) []WireField {
	out := make([]WireField, len(fields))
	for i, f := range fields {
		wf := WireField{Kind: uint8(f.Kind)}
		switch f.Kind {
		case event.FieldInt32:
			wf.I32 = f.I32
		case event.FieldInt64:
			wf.I64 = f.I64
		case event.FieldFloat:
			wf.F64 = f.F64
		case event.FieldString:
			wf.Str = f.Str
		case event.FieldBool:
			wf.Bool = f.Bool
		case event.FieldBytes:
			wf.Bytes = f.Bytes
		case event.FieldAttributionChain:
			wf.Chain = make([]WireAttributionNode, len(f.Chain))
			for j, n := range f.Chain {
				wf.Chain[j] = WireAttributionNode{UID: n.UID, Tag: n.Tag}
			}
		}
		out[i] = wf
	}
	return out
}
