package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"

	"github.com/snowmerak/polychat/lib/instruction"
)

// Serializer converts typed requests and responses to and from payload
// bytes.
type Serializer[Req, Resp any] struct {
	MarshalRequest    func(Req) ([]byte, error)
	UnmarshalResponse func([]byte) (Resp, error)
}

// Adapter calls one plugin with typed requests and responses.
type Adapter[Req, Resp any] struct {
	broker     *Broker
	plugin     Identity
	serializer Serializer[Req, Resp]
}

// NewAdapter returns an Adapter for plugin using serializer.
func NewAdapter[Req, Resp any](b *Broker, plugin Identity, serializer Serializer[Req, Resp]) *Adapter[Req, Resp] {
	return &Adapter[Req, Resp]{
		broker:     b,
		plugin:     plugin,
		serializer: serializer,
	}
}

// Call marshals request, issues op through Broker.Call and unmarshals
// the response.
func (a *Adapter[Req, Resp]) Call(ctx context.Context, op instruction.Operation, request Req) (Resp, error) {
	var zero Resp

	payload, err := a.serializer.MarshalRequest(request)
	if err != nil {
		return zero, fmt.Errorf("adapter: failed to marshal request for %s: %w", op, err)
	}

	response, err := a.broker.Call(ctx, a.plugin, op, payload)
	if err != nil {
		return zero, err
	}

	resp, err := a.serializer.UnmarshalResponse(response)
	if err != nil {
		return zero, fmt.Errorf("adapter: failed to unmarshal response for %s: %w", op, err)
	}
	return resp, nil
}

// NewJSONAdapter returns an Adapter that encodes payloads as JSON.
func NewJSONAdapter[Req, Resp any](b *Broker, plugin Identity) *Adapter[Req, Resp] {
	return NewAdapter(b, plugin, Serializer[Req, Resp]{
		MarshalRequest: func(req Req) ([]byte, error) {
			return json.Marshal(req)
		},
		UnmarshalResponse: func(data []byte) (Resp, error) {
			var resp Resp
			err := json.Unmarshal(data, &resp)
			return resp, err
		},
	})
}

// NewCBORAdapter returns an Adapter that encodes payloads as CBOR, the
// encoding of the instruction envelope itself.
func NewCBORAdapter[Req, Resp any](b *Broker, plugin Identity) *Adapter[Req, Resp] {
	return NewAdapter(b, plugin, Serializer[Req, Resp]{
		MarshalRequest: func(req Req) ([]byte, error) {
			return cbor.Marshal(req)
		},
		UnmarshalResponse: func(data []byte) (Resp, error) {
			var resp Resp
			err := cbor.Unmarshal(data, &resp)
			return resp, err
		},
	})
}

// NewProtobufAdapter returns an Adapter for protocol buffer messages.
// newResp must return a fresh, non-nil response message.
func NewProtobufAdapter[Req, Resp proto.Message](b *Broker, plugin Identity, newResp func() Resp) *Adapter[Req, Resp] {
	return NewAdapter(b, plugin, Serializer[Req, Resp]{
		MarshalRequest: func(req Req) ([]byte, error) {
			return proto.Marshal(req)
		},
		UnmarshalResponse: func(data []byte) (Resp, error) {
			resp := newResp()
			if err := proto.Unmarshal(data, resp); err != nil {
				var zero Resp
				return zero, err
			}
			return resp, nil
		},
	})
}
