package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ReadLimit is the largest WebSocket message accepted. Tool results can carry base64 images, so this is generous.
const ReadLimit = 16 << 20

// maxContentLength bounds a single framed message.
const maxContentLength = 64 << 20

// Stream is a jsonrpc2.ObjectStream over a WebSocket connection.
type Stream struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn
	r    *bufio.Reader

	mut     sync.Mutex
	readErr error

	closeOnce sync.Once
}

// NewStream wraps conn. The context bounds every read and write on the stream.
func NewStream(ctx context.Context, conn *websocket.Conn, log *zap.SugaredLogger) *Stream {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Stream{
		log:  log,
		ctx:  ctx,
		conn: conn,
	}
	s.r = bufio.NewReader(&frameReader{ctx: ctx, conn: conn})
	return s
}

// Dial establishes a WebSocket connection suitable for NewStream.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to %s: %w", url, err)
	}
	conn.SetReadLimit(ReadLimit)
	return conn, nil
}

// WriteObject sends obj as one framed message in one binary WebSocket message.
func (s *Stream) WriteObject(obj interface{}) error {
	var buf bytes.Buffer
	if err := (jsonrpc2.VSCodeObjectCodec{}).WriteObject(&buf, obj); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageBinary, buf.Bytes())
}

// ReadObject decodes the next framed message into v.
// Frames whose body is not a valid message are logged and skipped, so one bad message does not end the connection.
func (s *Stream) ReadObject(v interface{}) error {
	for {
		body, err := s.readFrame()
		if err != nil {
			s.setReadErr(err)
			return err
		}
		err = json.Unmarshal(body, v)
		if err == nil {
			return nil
		}
		s.log.Debugw("skipping malformed message", "Error", err, "Bytes", len(body))
	}
}

func (s *Stream) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if contentLength < 0 {
				// stray blank line between frames
				continue
			}
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 || n > maxContentLength {
			return nil, fmt.Errorf("invalid Content-Length %q", value)
		}
		contentLength = n
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, fmt.Errorf("reading %d byte message body: %w", contentLength, err)
	}
	return body, nil
}

func (s *Stream) setReadErr(err error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

// Err returns the error which ended reading, or nil while the stream is healthy.
func (s *Stream) Err() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.readErr
}

// CloseStatus returns the close status sent by the peer, or -1 if the peer has not closed the connection.
func (s *Stream) CloseStatus() (websocket.StatusCode, string) {
	var closeErr websocket.CloseError
	if errors.As(s.Err(), &closeErr) {
		return closeErr.Code, closeErr.Reason
	}
	return -1, ""
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}

// frameReader presents successive WebSocket messages as one byte stream.
type frameReader struct {
	ctx  context.Context
	conn *websocket.Conn
	cur  io.Reader
}

func (f *frameReader) Read(p []byte) (int, error) {
	for {
		if f.cur == nil {
			_, r, err := f.conn.Reader(f.ctx)
			if err != nil {
				return 0, err
			}
			f.cur = r
		}
		n, err := f.cur.Read(p)
		if errors.Is(err, io.EOF) {
			f.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
