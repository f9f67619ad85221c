package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "statsd.pull.PullService"
	methodPull  = "/" + serviceName + "/Pull"
)

// WireField is the over-the-wire representation of one event.Field. Kind
// mirrors event.FieldKind's numeric values; only the member matching Kind is
// populated.
type WireField struct {
	Kind  uint8    `json:"kind"`
	I32   int32    `json:"i32,omitempty"`
	I64   int64    `json:"i64,omitempty"`
	F64   float64  `json:"f64,omitempty"`
	Str   string   `json:"str,omitempty"`
	Bool  bool     `json:"bool,omitempty"`
	Bytes []byte   `json:"bytes,omitempty"`
	Chain []WireAttributionNode `json:"chain,omitempty"`
}

// WireAttributionNode is one hop of a wire-encoded AttributionChain.
type WireAttributionNode struct {
	UID uint32 `json:"uid"`
	Tag string `json:"tag"`
}

// WireRecord is the over-the-wire representation of one event.Record.
type WireRecord struct {
	UID    uint32      `json:"uid"`
	PID    uint32      `json:"pid"`
	Fields []WireField `json:"fields"`
}

// PullRequest is the Pull RPC's request message.
type PullRequest struct {
	TagID      uint32 `json:"tag_id"`
	DeadlineNS int64  `json:"deadline_ns"`
}

// PullResponse is the Pull RPC's response message. Ok is false when the
// remote side could not satisfy the pull within DeadlineNS; Records is then
// expected to be empty and Error carries a human-readable reason.
type PullResponse struct {
	Ok      bool         `json:"ok"`
	Records []WireRecord `json:"records"`
	Error   string       `json:"error,omitempty"`
}

// PullServiceServer is implemented by whatever application code backs the
// Pull RPC on the server side.
type PullServiceServer interface {
	Pull(ctx context.Context, req *PullRequest) (*PullResponse, error)
}

// RegisterPullServiceServer wires srv into s under the statically-defined
// service/method names, standing in for a protoc-generated
// RegisterPullServiceServer function.
func RegisterPullServiceServer(s *grpc.Server, srv PullServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PullServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Pull",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(PullRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(PullServiceServer).Pull(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPull}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(PullServiceServer).Pull(ctx, req.(*PullRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/puller/rpc/service.go",
}
