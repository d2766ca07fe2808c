package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()

	var got Ping
	r.Handle(TypePing, Typed(func(_ context.Context, _ Envelope, p Ping) error {
		got = p
		return nil
	}))

	env, err := New(TypePing, Ping{Seq: 7}, "")
	require.NoError(t, err)
	require.NoError(t, r.Dispatch(context.Background(), env))
	assert.Equal(t, int64(7), got.Seq)
}

func TestRouterUnknownType(t *testing.T) {
	r := NewRouter()

	env, err := New(TypeResult, nil, "a")
	require.NoError(t, err)
	err = r.Dispatch(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnknownType)

	env.Type = "bogus"
	err = r.Dispatch(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRouterRejectsInvalidEnvelope(t *testing.T) {
	r := NewRouter()
	r.Handle(TypePing, func(context.Context, Envelope) error { return nil })

	err := r.Dispatch(context.Background(), Envelope{Type: TypePing})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRouterPropagatesHandlerError(t *testing.T) {
	r := NewRouter()
	boom := errors.New("boom")
	r.Handle(TypeError, func(context.Context, Envelope) error { return boom })

	env, err := New(TypeError, ErrorPayload{Code: "x"}, "")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Dispatch(context.Background(), env), boom)
}

func TestRouterHandlePanicsOnUnknownType(t *testing.T) {
	r := NewRouter()
	assert.Panics(t, func() {
		r.Handle("bogus", func(context.Context, Envelope) error { return nil })
	})
}
