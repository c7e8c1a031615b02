package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/guseggert/agentbridge/metrics"
	"github.com/guseggert/agentbridge/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	relayBufSize   = 32 * 1024
	// close reasons are limited to 123 bytes by the protocol
	maxReasonBytes = 100
)

// Server is an http.Handler which bridges every WebSocket connection it accepts to a new agent subprocess.
type Server struct {
	Log *zap.SugaredLogger

	// Command and Args start the agent. Env is appended to the gateway's environment, and Dir is the working directory.
	Command string
	Args    []string
	Env     []string
	Dir     string

	Metrics       *metrics.Metrics
	AcceptOptions *websocket.AcceptOptions
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("ConnID", uuid.NewString())

	opts := s.AcceptOptions
	if opts == nil {
		opts = &websocket.AcceptOptions{CompressionMode: websocket.CompressionContextTakeover}
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept has already written the HTTP error response
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(transport.ReadLimit)
	log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &bridgeRunner{
		log:     log,
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		metrics: s.Metrics,
		stdinQ:  newStdinQueue(maxPendingStdin),
	}
	runner.connOpen.Store(true)
	runner.run(s.command())
}

func (s *Server) command() *exec.Cmd {
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd
}

type bridgeRunner struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	ctx     context.Context
	cancel  func()
	metrics *metrics.Metrics

	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdinQ *stdinQueue

	// connOpen is false once the connection failed or was closed by either side.
	connOpen atomic.Bool
	// exited is set once the agent has been reaped.
	exited atomic.Bool
	killed atomic.Bool

	// pumps tracks the stdout and stderr readers, which must finish before the process is reaped.
	pumps sync.WaitGroup
	wg    sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *bridgeRunner) run(cmd *exec.Cmd) {
	r.metrics.ConnectionOpened()
	defer r.metrics.ConnectionClosed()

	stdout, stderr, err := r.start(cmd)
	if err != nil {
		r.log.Infow("spawning agent failed", "Command", cmd.Path, "Error", err)
		r.metrics.AgentExited(metrics.ExitSpawnFailed)
		r.close(websocket.StatusInternalError, fmt.Sprintf("spawning agent: %s", err))
		return
	}
	r.metrics.AgentSpawned()
	r.log.Infow("agent started", "PID", cmd.Process.Pid, "Command", cmd.Path)

	r.pumps.Add(2)
	go r.relayStdout(stdout)
	go r.logStderr(stderr)

	r.wg.Add(2)
	go r.readMessages()
	go r.writeStdin()

	r.waitAndClose()
	r.wg.Wait()
}

func (r *bridgeRunner) start(cmd *exec.Cmd) (stdout, stderr io.ReadCloser, err error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	r.cmd = cmd
	r.stdin = stdin
	return stdout, stderr, nil
}

func (r *bridgeRunner) close(code websocket.StatusCode, reason string) {
	reason = truncateReason(reason)
	r.closeConnOnce.Do(func() {
		r.connOpen.Store(false)
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// truncateReason keeps a close reason within maxReasonBytes without splitting a UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > maxReasonBytes-utf8.UTFMax && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// kill terminates the agent unless it has already been reaped. Closing stdin unblocks a pending write.
func (r *bridgeRunner) kill() {
	if r.exited.Load() {
		return
	}
	r.killed.Store(true)
	err := r.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.log.Debugf("error killing agent: %s", err)
	}
	if err := r.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		r.log.Debugf("error closing agent stdin: %s", err)
	}
}

// waitAndClose reaps the agent and then closes the connection with a status describing how it exited.
func (r *bridgeRunner) waitAndClose() {
	r.pumps.Wait()
	err := r.cmd.Wait()
	r.exited.Store(true)

	code, reason, outcome := exitStatus(r.cmd.ProcessState, err)
	if r.killed.Load() {
		outcome = metrics.ExitKilled
	}
	r.metrics.AgentExited(outcome)
	r.log.Infow("agent exited", "PID", r.cmd.Process.Pid, "ExitCode", r.cmd.ProcessState.ExitCode(), "Outcome", outcome)

	r.close(code, reason)
	r.cancel()
}

func exitStatus(state *os.ProcessState, waitErr error) (websocket.StatusCode, string, string) {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return websocket.StatusInternalError, fmt.Sprintf("waiting for agent: %s", waitErr), metrics.ExitError
	}
	if state.Success() {
		return websocket.StatusNormalClosure, "agent exited", metrics.ExitClean
	}
	return websocket.StatusInternalError, fmt.Sprintf("agent exited: %s", state), metrics.ExitError
}

// readMessages reads until the connection ends, then kills the agent. It never waits on the agent's stdin.
func (r *bridgeRunner) readMessages() {
	defer r.wg.Done()
	defer r.stdinQ.close()

	for {
		_, b, err := r.conn.Read(r.ctx)
		if err != nil {
			r.connOpen.Store(false)
			switch {
			case r.exited.Load():
				r.log.Debug("conn done after agent exit")
			case websocket.CloseStatus(err) != -1:
				r.log.Debugw("conn closed by peer, killing agent", "Status", websocket.CloseStatus(err))
			default:
				r.log.Debugf("message reader got error, killing agent: %s", err)
			}
			r.kill()
			return
		}
		if r.exited.Load() {
			r.log.Debugf("dropping %d bytes for exited agent", len(b))
			continue
		}
		if !r.stdinQ.push(b) {
			r.log.Infow("agent is not reading its input, closing conn", "PendingLimit", maxPendingStdin)
			r.close(websocket.StatusPolicyViolation, "agent is not reading input")
			r.kill()
			return
		}
	}
}

func (r *bridgeRunner) writeStdin() {
	defer r.wg.Done()
	defer r.stdin.Close()

	// keep draining after a write error until the reader closes the queue
	broken := false
	for {
		b, ok := r.stdinQ.pop()
		if !ok {
			return
		}
		if broken || r.exited.Load() {
			continue
		}
		n, err := r.stdin.Write(b)
		r.metrics.Relayed(metrics.DirectionToAgent, n)
		if err != nil {
			r.log.Debugf("stdin writer got write error: %s", err)
			broken = true
		}
	}
}

func (r *bridgeRunner) relayStdout(stdout io.Reader) {
	defer r.pumps.Done()

	buf := make([]byte, relayBufSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && r.connOpen.Load() {
			werr := r.conn.Write(r.ctx, websocket.MessageBinary, buf[:n])
			if werr != nil {
				r.log.Debugf("stdout relay got write error, dropping further output: %s", werr)
				r.connOpen.Store(false)
			} else {
				r.metrics.Relayed(metrics.DirectionFromAgent, n)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.log.Debugf("stdout relay got read error: %s", err)
			}
			return
		}
	}
}

func (r *bridgeRunner) logStderr(stderr io.Reader) {
	defer r.pumps.Done()

	log := r.log.Named("agent_stderr")
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("stderr scanner error, discarding the rest: %s", err)
		_, _ = io.Copy(io.Discard, stderr)
	}
}
