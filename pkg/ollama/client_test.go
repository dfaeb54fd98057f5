package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestListModels_ReturnsServerOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","size":1},{"name":"mistral:latest"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{Host: srv.URL + "/"})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "llama3:8b", models[0].Name)
	require.Equal(t, "mistral:latest", models[1].Name)
}

func TestListModels_StatusErrorIsConnectivityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model store unavailable"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(Config{Host: srv.URL}).ListModels(context.Background())
	require.Error(t, err)
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, http.StatusInternalServerError, ce.StatusCode)
	require.Contains(t, err.Error(), "model store unavailable")
}

func TestListModels_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()

	_, err := NewClient(Config{Host: host, ListTimeout: time.Second}).ListModels(context.Background())
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, host, ce.Host)
}

func TestGenerate_SendsStreamingRequest(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("{\"response\":\"hi\",\"done\":false}\n{\"response\":\"\",\"done\":true,\"context\":[1,2]}\n"))
	}))
	t.Cleanup(srv.Close)

	body, err := NewClient(Config{Host: srv.URL}).Generate(context.Background(), GenerateRequest{
		Model:   "llama3:8b",
		Prompt:  "hello",
		System:  "be brief",
		Context: json.RawMessage(`[7,8]`),
	})
	require.NoError(t, err)
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	require.True(t, got.Stream)
	require.Equal(t, "llama3:8b", got.Model)
	require.Equal(t, "hello", got.Prompt)
	require.Equal(t, "be brief", got.System)
	require.JSONEq(t, `[7,8]`, string(got.Context))
	require.Contains(t, string(raw), `"done":true`)
}

func TestGenerate_OmitsAbsentContext(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte("{\"done\":true}\n"))
	}))
	t.Cleanup(srv.Close)

	body, err := NewClient(Config{Host: srv.URL}).Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	_ = body.Close()
	_, ok := raw["context"]
	require.False(t, ok)
	_, ok = raw["system"]
	require.False(t, ok)
}

func TestGenerate_NotFoundSurfacesRemoteMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(Config{Host: srv.URL}).Generate(context.Background(), GenerateRequest{Model: "nope"})
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, http.StatusNotFound, ce.StatusCode)
	require.Contains(t, ce.Error(), "model 'nope' not found")
}

func TestNormalizeHost(t *testing.T) {
	require.Equal(t, DefaultHost, NormalizeHost("  "))
	require.Equal(t, "http://gpu-box:11434", NormalizeHost("gpu-box:11434/"))
	require.Equal(t, "https://ollama.example.com", NormalizeHost("https://ollama.example.com//"))
}
