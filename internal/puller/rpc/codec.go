// Package rpc grounds the RPC puller family (§4.3 family 2) concretely on
// google.golang.org/grpc. Since the protoc toolchain is unavailable here,
// the wire messages are plain Go structs carried by a small custom codec
// (registered via encoding.RegisterCodec and selected per-call with
// grpc.CallContentSubtype) instead of protoc-generated stubs.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype grpc negotiates for this codec; the
// resulting wire content-type is "application/grpc+statsdjson".
const CodecName = "statsdjson"

// jsonCodec marshals request/response structs as JSON instead of protobuf
// wire format. It satisfies encoding.Codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
