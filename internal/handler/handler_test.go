package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/opsgate/internal/scheduler"
)

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(zap.NewNop(), Options{})
	assert.Equal(t, []string{KindHTTPRequest, KindLog}, r.Names())

	_, err := r.Build(KindShellCommand, json.RawMessage(`{"command":"true"}`))
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.True(t, scheduler.IsValidation(err))

	withShell := NewDefaultRegistry(zap.NewNop(), Options{AllowShell: true})
	assert.Equal(t, []string{KindHTTPRequest, KindLog, KindShellCommand}, withShell.Names())
}

func TestRegistryBuildValidation(t *testing.T) {
	r := NewDefaultRegistry(zap.NewNop(), Options{AllowShell: true})

	tests := []struct {
		name    string
		kind    string
		payload string
	}{
		{"missing payload", KindLog, ``},
		{"malformed json", KindLog, `{`},
		{"empty message", KindLog, `{"message":""}`},
		{"fatal level", KindLog, `{"message":"x","level":"fatal"}`},
		{"relative url", KindHTTPRequest, `{"url":"/ping"}`},
		{"ftp url", KindHTTPRequest, `{"url":"ftp://example.com"}`},
		{"empty command", KindShellCommand, `{"command":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Build(tt.kind, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, scheduler.ErrInvalidJob)
		})
	}
}

func TestHTTPRequestHandler(t *testing.T) {
	type captured struct {
		method, header, body string
	}
	requests := make(chan captured, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{method: r.Method, header: r.Header.Get("X-Job"), body: string(body)}
		if r.URL.Path == "/fail" {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := NewHTTPRequestHandler(zap.NewNop())

	t.Run("Success", func(t *testing.T) {
		payload, _ := json.Marshal(HTTPRequestPayload{
			URL:     server.URL + "/ok",
			Method:  "post",
			Headers: map[string]string{"X-Job": "nightly"},
			Body:    `{"ping":true}`,
		})
		job, err := h.Build(payload)
		require.NoError(t, err)
		require.NoError(t, job.Execute(context.Background()))

		req := <-requests
		assert.Equal(t, http.MethodPost, req.method)
		assert.Equal(t, "nightly", req.header)
		assert.Equal(t, `{"ping":true}`, req.body)
	})

	t.Run("Error status", func(t *testing.T) {
		job, err := h.Build(json.RawMessage(`{"url":"` + server.URL + `/fail"}`))
		require.NoError(t, err)

		err = job.Execute(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Contains(t, err.Error(), "upstream down")
		assert.Equal(t, http.MethodGet, (<-requests).method)
	})

	t.Run("Context deadline", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer slow.Close()

		job, err := h.Build(json.RawMessage(`{"url":"` + slow.URL + `"}`))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.Error(t, job.Execute(ctx))
	})
}

func TestShellCommandHandler(t *testing.T) {
	h := NewShellCommandHandler(zap.NewNop())

	t.Run("Success", func(t *testing.T) {
		job, err := h.Build(json.RawMessage(`{"command":"sh","args":["-c","test \"$GREETING\" = hello"],"env":{"GREETING":"hello"}}`))
		require.NoError(t, err)
		assert.NoError(t, job.Execute(context.Background()))
	})

	t.Run("Failure carries output", func(t *testing.T) {
		job, err := h.Build(json.RawMessage(`{"command":"sh","args":["-c","echo broken >&2; exit 3"]}`))
		require.NoError(t, err)

		err = job.Execute(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("Interrupted", func(t *testing.T) {
		job, err := h.Build(json.RawMessage(`{"command":"sleep","args":["5"]}`))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err = job.Execute(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interrupted")
	})
}

func TestLogHandler(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := NewLogHandler(zap.New(core))

	job, err := h.Build(json.RawMessage(`{"message":"heartbeat","level":"warn","fields":{"source":"cron"}}`))
	require.NoError(t, err)
	require.NoError(t, job.Execute(context.Background()))

	entries := logs.FilterMessage("heartbeat").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "cron", entries[0].ContextMap()["source"])
}
