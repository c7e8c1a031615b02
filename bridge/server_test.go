package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/guseggert/agentbridge/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type harness struct {
	conn *websocket.Conn
	reg  *prometheus.Registry
	// handlerDone is closed once ServeHTTP has returned
	handlerDone chan struct{}
}

func startBridge(t *testing.T, command string, args ...string) *harness {
	t.Helper()
	return startBridgeWithDialOptions(t, nil, command, args...)
}

func startBridgeWithDialOptions(t *testing.T, dialOpts *websocket.DialOptions, command string, args ...string) *harness {
	t.Helper()
	h := &harness{
		reg:         prometheus.NewRegistry(),
		handlerDone: make(chan struct{}),
	}
	srv := &Server{
		Log:     zaptest.NewLogger(t).Sugar(),
		Command: command,
		Args:    args,
		Metrics: metrics.New(h.reg),
	}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(h.handlerDone)
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	// hijacked connections aren't tracked by the test server, so wait for the handler explicitly
	t.Cleanup(func() {
		select {
		case <-h.handlerDone:
		case <-time.After(10 * time.Second):
			t.Error("timed out waiting for handler to return")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http"), dialOpts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	h.conn = conn
	return h
}

// readAll reads messages until the connection closes and returns the concatenated payloads and the close error.
func (h *harness) readAll(t *testing.T) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var sb strings.Builder
	for {
		_, b, err := h.conn.Read(ctx)
		if err != nil {
			return sb.String(), err
		}
		sb.Write(b)
	}
}

func (h *harness) waitHandler(t *testing.T) {
	t.Helper()
	select {
	case <-h.handlerDone:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for handler to return")
	}
}

// assertExit checks that exactly one agent exit was recorded, with the given outcome.
func (h *harness) assertExit(t *testing.T, outcome string) {
	t.Helper()
	exp := fmt.Sprintf(`# HELP agentbridge_agent_exits_total Total number of agent subprocesses that ended, by outcome
# TYPE agentbridge_agent_exits_total counter
agentbridge_agent_exits_total{outcome=%q} 1
`, outcome)
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(exp), "agentbridge_agent_exits_total"))
}

func TestServer_ExitStatus(t *testing.T) {
	cases := []struct {
		name string
		cmd  string
		args []string

		expOutput  string
		expStatus  websocket.StatusCode
		expReason  string
		expOutcome string
	}{
		{
			name:       "clean exit",
			cmd:        "sh",
			args:       []string{"-c", "printf hello"},
			expOutput:  "hello",
			expStatus:  websocket.StatusNormalClosure,
			expReason:  "agent exited",
			expOutcome: metrics.ExitClean,
		},
		{
			name:       "non-zero exit",
			cmd:        "sh",
			args:       []string{"-c", "printf partial; exit 3"},
			expOutput:  "partial",
			expStatus:  websocket.StatusInternalError,
			expReason:  "agent exited: exit status 3",
			expOutcome: metrics.ExitError,
		},
		{
			name:       "stderr is not relayed",
			cmd:        "sh",
			args:       []string{"-c", "echo oops >&2; printf out"},
			expOutput:  "out",
			expStatus:  websocket.StatusNormalClosure,
			expReason:  "agent exited",
			expOutcome: metrics.ExitClean,
		},
		{
			name:       "spawn failure",
			cmd:        "/nonexistent/agentbridge-agent",
			expStatus:  websocket.StatusInternalError,
			expReason:  "spawning agent: ",
			expOutcome: metrics.ExitSpawnFailed,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			h := startBridge(t, c.cmd, c.args...)

			output, err := h.readAll(t)
			assert.Equal(t, c.expOutput, output)

			var closeErr websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, c.expStatus, closeErr.Code)
			assert.True(t, strings.HasPrefix(closeErr.Reason, c.expReason), "reason %q", closeErr.Reason)

			h.waitHandler(t)
			h.assertExit(t, c.expOutcome)
		})
	}
}

func TestServer_RelaysStdin(t *testing.T) {
	h := startBridge(t, "cat")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.conn.Write(ctx, websocket.MessageText, []byte("ping\n")))
	require.NoError(t, h.conn.Write(ctx, websocket.MessageBinary, []byte("pong\n")))

	var got strings.Builder
	for got.Len() < len("ping\npong\n") {
		typ, b, err := h.conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageBinary, typ)
		got.Write(b)
	}
	assert.Equal(t, "ping\npong\n", got.String())
}

func TestServer_PeerCloseKillsAgent(t *testing.T) {
	h := startBridge(t, "sleep", "60")

	require.NoError(t, h.conn.Close(websocket.StatusNormalClosure, "bye"))

	h.waitHandler(t)
	h.assertExit(t, metrics.ExitKilled)
}

func TestServer_PeerCloseKillsAgentNotReadingStdin(t *testing.T) {
	h := startBridge(t, "sleep", "30")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// more than the pipe buffer holds, so a stdin write stays blocked
	msg := make([]byte, 100*1024)
	for i := 0; i < 4; i++ {
		require.NoError(t, h.conn.Write(ctx, websocket.MessageBinary, msg))
	}
	require.NoError(t, h.conn.Close(websocket.StatusNormalClosure, "bye"))

	h.waitHandler(t)
	h.assertExit(t, metrics.ExitKilled)
}

func TestServer_DroppedConnKillsAgent(t *testing.T) {
	var (
		mut     sync.Mutex
		tcpConn net.Conn
	)
	httpClient := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			mut.Lock()
			tcpConn = c
			mut.Unlock()
			return c, err
		},
	}}
	h := startBridgeWithDialOptions(t, &websocket.DialOptions{HTTPClient: httpClient}, "sleep", "60")

	// no close frame, just the socket going away
	mut.Lock()
	c := tcpConn
	mut.Unlock()
	require.NotNil(t, c)
	require.NoError(t, c.Close())

	h.waitHandler(t)
	h.assertExit(t, metrics.ExitKilled)
}

func TestServer_RejectsPlainHTTP(t *testing.T) {
	srv := &Server{Log: zaptest.NewLogger(t).Sugar(), Command: "cat"}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/copilot", nil))
	assert.NotEqual(t, http.StatusSwitchingProtocols, rec.Code)
	assert.GreaterOrEqual(t, rec.Code, 400)
}

func TestExitStatus_TruncatesLongReasons(t *testing.T) {
	h := startBridge(t, "/nonexistent/"+strings.Repeat("a", 200))
	_, err := h.readAll(t)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.LessOrEqual(t, len(closeErr.Reason), 100)
}

func TestTruncateReason(t *testing.T) {
	cases := []struct {
		name   string
		reason string
		exp    string
	}{
		{name: "short", reason: "agent exited", exp: "agent exited"},
		{name: "ascii", reason: strings.Repeat("a", 150), exp: strings.Repeat("a", 100)},
		// the 3-byte rune at offset 99 would be cut in half
		{name: "multi-byte", reason: strings.Repeat("a", 99) + strings.Repeat("€", 10), exp: strings.Repeat("a", 99)},
		{name: "rune ends at limit", reason: strings.Repeat("a", 97) + strings.Repeat("€", 10), exp: strings.Repeat("a", 97) + "€"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := truncateReason(c.reason)
			assert.Equal(t, c.exp, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
