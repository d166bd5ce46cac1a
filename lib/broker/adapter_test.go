package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/snowmerak/polychat/lib/instruction"
)

type greeting struct {
	From string `json:"from" cbor:"from"`
	Text string `json:"text" cbor:"text"`
}

func TestAdapters_RoundTrip(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	p := launchReady(t, b, "echo")
	p.serveEcho()

	ctx := context.Background()
	want := greeting{From: "alice", Text: "hello"}

	t.Run("json", func(t *testing.T) {
		got, err := NewJSONAdapter[greeting, greeting](b, "echo").Call(ctx, instruction.OpEcho, want)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("cbor", func(t *testing.T) {
		got, err := NewCBORAdapter[greeting, greeting](b, "echo").Call(ctx, instruction.OpEcho, want)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("protobuf", func(t *testing.T) {
		adapter := NewProtobufAdapter[*wrapperspb.StringValue, *wrapperspb.StringValue](b, "echo", func() *wrapperspb.StringValue {
			return new(wrapperspb.StringValue)
		})
		got, err := adapter.Call(ctx, instruction.OpEcho, wrapperspb.String("hello"))
		require.NoError(t, err)
		assert.Equal(t, "hello", got.GetValue())
	})
}

func TestAdapter_MarshalFailure(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	p := launchReady(t, b, "echo")

	marshalErr := errors.New("cannot marshal")
	adapter := NewAdapter(b, "echo", Serializer[int, int]{
		MarshalRequest:    func(int) ([]byte, error) { return nil, marshalErr },
		UnmarshalResponse: func([]byte) (int, error) { return 0, nil },
	})

	_, err := adapter.Call(context.Background(), instruction.OpEcho, 1)
	assert.ErrorIs(t, err, marshalErr)
	assertNothingSent(t, p)
}

func TestAdapter_UnmarshalFailure(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	p := launchReady(t, b, "echo")
	p.serveEcho()

	_, err := NewJSONAdapter[string, int](b, "echo").Call(context.Background(), instruction.OpEcho, "not a number")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal response")
}

func TestAdapter_PropagatesBrokerErrors(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	_, err := NewJSONAdapter[string, string](b, "ghost").Call(context.Background(), instruction.OpEcho, "x")
	assert.ErrorIs(t, err, UnknownPlugin)
}
