package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/eventbus"
	"github.com/shopfront/eventbus/interceptors"
)

func TestJSONArg(t *testing.T) {
	raw, err := jsonArg(`{"id":"p-1"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p-1"}`, string(raw))

	_, err = jsonArg(`{id: p-1}`)
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"publish", "send", "listen", "request", "serve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestPublishRejectsBadPayload(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"publish", "product-events", "product.updated", "not-json"})
	root.SetErr(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestListenRequeuesRedeliveredFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boom := errors.New("printer jammed")
	failing := func(context.Context, *eventbus.Message) error { return boom }
	redelivered := &eventbus.Message{RoutingKey: "cart.updated", Redelivered: true}

	t.Run("default keeps nacking", func(t *testing.T) {
		h := interceptors.Chain(failing, listenInterceptors(logger, false)...)
		assert.ErrorIs(t, h(context.Background(), redelivered), boom)
	})

	t.Run("opt-in drops after redelivery", func(t *testing.T) {
		h := interceptors.Chain(failing, listenInterceptors(logger, true)...)
		assert.NoError(t, h(context.Background(), redelivered))
	})

	t.Run("flag defaults to off", func(t *testing.T) {
		cmd, _, err := newRootCmd().Find([]string{"listen"})
		require.NoError(t, err)
		flag := cmd.Flags().Lookup("skip-redelivered")
		require.NotNil(t, flag)
		assert.Equal(t, "false", flag.DefValue)
	})
}
