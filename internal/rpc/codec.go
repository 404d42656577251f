package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding registry and selected via the
// "olcjson" content-subtype on every call (grpc.CallContentSubtype /
// grpc.ForceServerCodec at dial/serve time). There is no .proto schema in
// this exercise to run protoc against, so wire messages are plain Go structs
// marshaled as JSON rather than protoc-gen-go types — the transport (framing,
// deadlines, status codes, streaming) is still real grpc, only the payload
// encoding differs from the teacher's proto-based services.
const codecName = "olcjson"

// CodecName is codecName, exported so other packages dialing an OLC-family
// server (e.g. internal/mastersync's client to the external master) can
// select the same content-subtype without duplicating the codec.
const CodecName = codecName

// jsonCodec implements encoding.Codec (previously encoding.CodecV2's simpler
// predecessor shape, still supported by grpc-go) by delegating straight to
// encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
