package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/mmate-broker/contracts"
	"github.com/glimte/mmate-broker/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	msg := newEnvelope("order.created", `{"id":1}`, "application/json", "corr-1")

	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "order.created", msg.MessageDescription)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, []byte(`{"id":1}`), msg.Body)
	assert.False(t, msg.IsDelivery())

	other := newEnvelope("order.created", "", "", "")
	assert.NotEqual(t, msg.MessageID, other.MessageID)
}

func TestFormatEnvelope(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	got := formatEnvelope(&contracts.MessageEnvelope{
		MessageID:          "m-1",
		MessageDescription: "order.created",
		CorrelationID:      "c-1",
		CreationTimestamp:  created,
		Body:               []byte("hello"),
	})
	assert.Equal(t, "[order.created] m-1 correlation=c-1 created=2024-03-01T12:00:00Z hello", got)

	got = formatEnvelope(&contracts.MessageEnvelope{
		MessageID:          "m-2",
		MessageDescription: "order.created",
		Body:               []byte("hi"),
	})
	assert.Equal(t, "[order.created] m-2 hi", got)
}

func TestRootCommand(t *testing.T) {
	t.Run("missing config file", func(t *testing.T) {
		cmd := newRootCommand()
		cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "inspect", "orders"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})

		err := cmd.Execute()
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("invalid subscriber settings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broker.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: error
subscriber:
  endpoint: localhost
  username: guest
  password: guest
  virtualHost: /
  exchange: orders
`), 0o600))

		cmd := newRootCommand()
		cmd.SetArgs([]string{"--config", path, "inspect", "orders"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})

		err := cmd.Execute()
		assert.ErrorContains(t, err, "deadLetterExchange")
	})

	t.Run("wrong argument count", func(t *testing.T) {
		cmd := newRootCommand()
		cmd.SetArgs([]string{"publish", "only-topic"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})

		assert.Error(t, cmd.Execute())
	})
}

func TestOpsHandler(t *testing.T) {
	a := &app{health: health.NewRegistry()}
	srv := httptest.NewServer(a.opsHandler())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/healthz", "/livez"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
