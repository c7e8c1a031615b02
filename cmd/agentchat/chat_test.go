package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/agentbridge/client"
	"github.com/guseggert/agentbridge/internal/fakeagent"
	"github.com/guseggert/agentbridge/protocol"
	"github.com/guseggert/agentbridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

// startGateway serves a fake agent on the upgrade path and a stub upload endpoint.
func startGateway(t *testing.T) (wsURL string, uploads func() []protocol.UploadImageRequest) {
	t.Helper()
	var (
		wg   sync.WaitGroup
		mut  sync.Mutex
		reqs []protocol.UploadImageRequest
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/copilot", func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(transport.ReadLimit)
		stream := transport.NewStream(r.Context(), conn, nil)
		_ = fakeagent.Serve(r.Context(), stream, fakeagent.WithExitFunc(func(code int) {
			conn.Close(websocket.StatusInternalError, fmt.Sprintf("agent exited: exit status %d", code))
		}))
	})
	mux.HandleFunc("/api/upload-image", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.UploadImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mut.Lock()
		reqs = append(reqs, req)
		mut.Unlock()
		json.NewEncoder(w).Encode(protocol.UploadImageResponse{Path: "/uploads/" + req.Name})
	})
	s := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		wg.Wait()
	})
	uploads = func() []protocol.UploadImageRequest {
		mut.Lock()
		defer mut.Unlock()
		return append([]protocol.UploadImageRequest(nil), reqs...)
	}
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/copilot", uploads
}

func TestChat(t *testing.T) {
	wsURL, uploads := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	cl := client.New(wsURL, client.WithLogger(logger))
	require.NoError(t, cl.Start(ctx))
	t.Cleanup(func() { cl.Stop(context.Background()) })
	session, err := cl.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	baseURL, err := uploadBaseURL(wsURL)
	require.NoError(t, err)
	imagePath := filepath.Join(t.TempDir(), "slide.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("png"), 0o644))

	out := &bytes.Buffer{}
	ch := &chat{out: out, session: session, uploader: client.NewUploader(logger.Sugar(), baseURL)}
	input := strings.Join([]string{
		"hello there",
		"/image " + imagePath,
		"describe it",
		"/image",
		"/history",
		"/quit",
		"never sent",
	}, "\n")

	require.NoError(t, loop(ctx, cl, ch, strings.NewReader(input)))

	assert.Equal(t, strings.Join([]string{
		"agent: echo: hello there",
		"attached slide.png",
		"agent: echo: describe it (1 attachments)",
		"usage: /image PATH",
		"you: hello there",
		"agent: echo: hello there",
		"you: describe it",
		"agent: echo: describe it (1 attachments)",
		"",
	}, "\n"), out.String())
	require.Len(t, uploads(), 1)
	assert.Equal(t, "slide.png", uploads()[0].Name)
}

func TestChatToolAndError(t *testing.T) {
	wsURL, _ := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl := client.New(wsURL)
	require.NoError(t, cl.Start(ctx))
	t.Cleanup(func() { cl.Stop(context.Background()) })
	session, err := cl.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	ch := &chat{out: out, session: session}
	require.NoError(t, loop(ctx, cl, ch, strings.NewReader("/tool missing {}\n/error boom\n/image x.png\n")))

	got := out.String()
	assert.Contains(t, got, "[tool missing {}]")
	assert.Contains(t, got, "[tool failed: tool 'missing' not supported]")
	assert.Contains(t, got, "error: boom")
	assert.Contains(t, got, "uploads are not available")
}

func TestChatConnectionLost(t *testing.T) {
	wsURL, _ := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl := client.New(wsURL)
	require.NoError(t, cl.Start(ctx))
	t.Cleanup(func() { cl.Stop(context.Background()) })
	session, err := cl.CreateSession(ctx, client.SessionConfig{})
	require.NoError(t, err)

	ch := &chat{out: &bytes.Buffer{}, session: session}
	err = loop(ctx, cl, ch, strings.NewReader("/crash\n"))
	assert.ErrorIs(t, err, client.ErrConnectionClosed)
}

func TestUploadBaseURL(t *testing.T) {
	cases := []struct {
		in     string
		exp    string
		expErr bool
	}{
		{in: "ws://localhost:3000/api/copilot", exp: "http://localhost:3000"},
		{in: "wss://example.com/api/copilot?x=1", exp: "https://example.com"},
		{in: "https://example.com:8443/api/copilot", exp: "https://example.com:8443"},
		{in: "ftp://example.com", expErr: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.in, func(t *testing.T) {
			got, err := uploadBaseURL(c.in)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, got)
		})
	}
}
