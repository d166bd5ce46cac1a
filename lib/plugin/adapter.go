package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
)

// TypedHandler serves one operation with decoded values.
type TypedHandler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// HandlerAdapter turns a TypedHandler into a Handler.
type HandlerAdapter[Req, Resp any] struct {
	unmarshalReq func([]byte) (Req, error)
	marshalResp  func(Resp) ([]byte, error)
	handler      TypedHandler[Req, Resp]
}

// NewHandlerAdapter creates a HandlerAdapter from codec functions.
func NewHandlerAdapter[Req, Resp any](
	unmarshalReq func([]byte) (Req, error),
	marshalResp func(Resp) ([]byte, error),
	handler TypedHandler[Req, Resp],
) *HandlerAdapter[Req, Resp] {
	return &HandlerAdapter[Req, Resp]{
		unmarshalReq: unmarshalReq,
		marshalResp:  marshalResp,
		handler:      handler,
	}
}

// Handler returns the raw Handler. Codec failures become error responses.
func (ha *HandlerAdapter[Req, Resp]) Handler() Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := ha.unmarshalReq(payload)
		if err != nil {
			return nil, fmt.Errorf("handler adapter: failed to unmarshal request: %w", err)
		}

		resp, err := ha.handler(ctx, req)
		if err != nil {
			return nil, err
		}

		data, err := ha.marshalResp(resp)
		if err != nil {
			return nil, fmt.Errorf("handler adapter: failed to marshal response: %w", err)
		}
		return data, nil
	}
}

// JSONHandler wraps handler with JSON payloads.
func JSONHandler[Req, Resp any](handler TypedHandler[Req, Resp]) Handler {
	return NewHandlerAdapter(
		func(data []byte) (Req, error) {
			var req Req
			err := json.Unmarshal(data, &req)
			return req, err
		},
		func(resp Resp) ([]byte, error) { return json.Marshal(resp) },
		handler,
	).Handler()
}

// CBORHandler wraps handler with CBOR payloads.
func CBORHandler[Req, Resp any](handler TypedHandler[Req, Resp]) Handler {
	return NewHandlerAdapter(
		func(data []byte) (Req, error) {
			var req Req
			err := cbor.Unmarshal(data, &req)
			return req, err
		},
		func(resp Resp) ([]byte, error) { return cbor.Marshal(resp) },
		handler,
	).Handler()
}

// ProtobufHandler wraps handler with protocol buffer payloads. newReq
// must return a fresh, non-nil request message.
func ProtobufHandler[Req, Resp proto.Message](newReq func() Req, handler TypedHandler[Req, Resp]) Handler {
	return NewHandlerAdapter(
		func(data []byte) (Req, error) {
			req := newReq()
			if err := proto.Unmarshal(data, req); err != nil {
				var zero Req
				return zero, err
			}
			return req, nil
		},
		func(resp Resp) ([]byte, error) { return proto.Marshal(resp) },
		handler,
	).Handler()
}
