package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon stands in for a local inference daemon.
type fakeDaemon struct {
	mu       sync.Mutex
	loaded   []string
	unloaded []string

	lastTextReq  textGenRequest
	lastImageReq imageGenRequest

	textReply  textGenResponse
	imageReply imageGenResponse
	loadStatus int

	server *httptest.Server
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{loadStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/models/load", func(w http.ResponseWriter, r *http.Request) {
		var req modelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		d.mu.Lock()
		d.loaded = append(d.loaded, req.Model)
		status := d.loadStatus
		d.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "model missing", status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/models/unload", func(w http.ResponseWriter, r *http.Request) {
		var req modelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		d.mu.Lock()
		d.unloaded = append(d.unloaded, req.Model)
		d.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/generate/text", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d.lastTextReq))
		reply := d.textReply
		d.mu.Unlock()
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("/v1/generate/image", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d.lastImageReq))
		reply := d.imageReply
		d.mu.Unlock()
		json.NewEncoder(w).Encode(reply)
	})
	d.server = httptest.NewServer(mux)
	t.Cleanup(d.server.Close)
	return d
}

func TestLocalTextEngineLifecycle(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.textReply = textGenResponse{Text: "a fox, but cinematic"}
	e := NewLocalTextEngine(LocalConfig{BaseURL: daemon.server.URL, Model: "prep-model"}, nil)
	ctx := context.Background()

	assert.False(t, e.Loaded())
	require.NoError(t, e.Load(ctx))
	assert.True(t, e.Loaded())
	assert.Equal(t, []string{"prep-model"}, daemon.loaded)

	out, err := e.GenerateText(ctx, "a fox", 256)
	require.NoError(t, err)
	assert.Equal(t, "a fox, but cinematic", out)
	assert.Equal(t, "prep-model", daemon.lastTextReq.Model)
	assert.Equal(t, "a fox", daemon.lastTextReq.Prompt)
	assert.Equal(t, 256, daemon.lastTextReq.MaxTokens)

	require.NoError(t, e.Unload(ctx))
	assert.False(t, e.Loaded())
	assert.Equal(t, []string{"prep-model"}, daemon.unloaded)
}

func TestLocalTextEngineLoadFailsWhenDaemonUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	e := NewLocalTextEngine(LocalConfig{BaseURL: server.URL}, nil)
	err := e.Load(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
	assert.False(t, e.Loaded())
}

func TestLocalUnloadReachesDaemonWithoutPriorLoad(t *testing.T) {
	daemon := newFakeDaemon(t)

	// A fresh process may be asked to release a model an earlier process
	// left resident in the daemon.
	e := NewLocalSynthesisEngine(LocalConfig{BaseURL: daemon.server.URL, Model: "sdxl"}, nil)
	require.NoError(t, e.Unload(context.Background()))
	assert.Equal(t, []string{"sdxl"}, daemon.unloaded)
}

func TestLocalUnloadIsSilentWhenDaemonUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	e := NewLocalTextEngine(LocalConfig{BaseURL: server.URL}, nil)
	assert.NoError(t, e.Unload(context.Background()))
}

func TestLocalTextEngineLoadSurfacesDaemonError(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.loadStatus = http.StatusInternalServerError

	e := NewLocalTextEngine(LocalConfig{BaseURL: daemon.server.URL, Model: "absent"}, nil)
	err := e.Load(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.False(t, e.Loaded())
}

func TestLocalTextEngineGenerateValues(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.textReply = textGenResponse{Text: "- misty forest\n- neon alley"}
	e := NewLocalTextEngine(LocalConfig{BaseURL: daemon.server.URL}, nil)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	values, err := e.GenerateValues(ctx, "location", "", 2)

	require.NoError(t, err)
	assert.Equal(t, []string{"misty forest", "neon alley"}, values)
}

func TestLocalSynthesisEngineSynthesize(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	daemon := newFakeDaemon(t)
	daemon.imageReply = imageGenResponse{
		Image:    base64.StdEncoding.EncodeToString(image),
		MimeType: "image/png",
		Seed:     99,
	}
	e := NewLocalSynthesisEngine(LocalConfig{BaseURL: daemon.server.URL, Model: "sdxl"}, nil)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	result, err := e.Synthesize(ctx, SynthesisJob{
		Prompt: "a fox at dusk",
		Width:  1216,
		Height: 832,
		Seed:   42,
		Steps:  30,
	})

	require.NoError(t, err)
	assert.Equal(t, image, result.Image)
	assert.Equal(t, "image/png", result.MimeType)
	assert.Equal(t, int64(99), result.SeedUsed)

	assert.Equal(t, "sdxl", daemon.lastImageReq.Model)
	assert.Equal(t, "a fox at dusk", daemon.lastImageReq.Prompt)
	assert.Equal(t, 1216, daemon.lastImageReq.Width)
	assert.Equal(t, 832, daemon.lastImageReq.Height)
	assert.Equal(t, int64(42), daemon.lastImageReq.Seed)
	assert.Equal(t, 30, daemon.lastImageReq.Steps)
}

func TestLocalSynthesisSeedFallsBackToRequest(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.imageReply = imageGenResponse{
		Image: base64.StdEncoding.EncodeToString([]byte{0x1}),
	}
	e := NewLocalSynthesisEngine(LocalConfig{BaseURL: daemon.server.URL}, nil)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	result, err := e.Synthesize(ctx, SynthesisJob{Prompt: "p", Seed: 7})

	require.NoError(t, err)
	assert.Equal(t, int64(7), result.SeedUsed)
	assert.Equal(t, "image/png", result.MimeType)
}

func TestLocalSynthesisRejectsBadImagePayload(t *testing.T) {
	daemon := newFakeDaemon(t)
	e := NewLocalSynthesisEngine(LocalConfig{BaseURL: daemon.server.URL}, nil)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	daemon.imageReply = imageGenResponse{Image: "not base64!!"}
	_, err := e.Synthesize(ctx, SynthesisJob{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding image payload")

	daemon.imageReply = imageGenResponse{Image: ""}
	_, err = e.Synthesize(ctx, SynthesisJob{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty image")
}

func TestLocalEnginesRequireLoad(t *testing.T) {
	text := NewLocalTextEngine(LocalConfig{}, nil)
	_, err := text.GenerateText(context.Background(), "p", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded")

	synth := NewLocalSynthesisEngine(LocalConfig{}, nil)
	_, err = synth.Synthesize(context.Background(), SynthesisJob{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded")
}
