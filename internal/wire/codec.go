// Package wire defines the host<->guest RPC message shapes and a JSON
// encoding.Codec for them. No .proto sources are available to this build,
// so messages are plain Go structs marshaled through this codec rather than
// generated *.pb.go stubs; internal/guest invokes methods directly via
// grpc.ClientConn.Invoke/NewStream against hardcoded method paths. See
// DESIGN.md's Open Questions for the rationale.
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc's encoding registry
// under the "json" content-subtype, so a ClientConn configured with
// grpc.CallContentSubtype("json") marshals/unmarshals through it.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
