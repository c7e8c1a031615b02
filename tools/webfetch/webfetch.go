// Package webfetch provides the web_fetch tool, which lets the agent read a URL from the client's network.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/guseggert/agentbridge/protocol"
	"github.com/guseggert/agentbridge/transport"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	Name = "web_fetch"

	// MaxResponseBytes is how much of a response body is returned to the agent.
	MaxResponseBytes = 50000
	truncatedMarker  = "\n\n[Truncated - response exceeded 50KB]"
)

// Args are the tool arguments. Method defaults to GET.
type Args struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Body   string `json:"body,omitempty"`
}

type Fetcher struct {
	log    *zap.SugaredLogger
	client *retryablehttp.Client
}

type Option func(f *Fetcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(f *Fetcher) {
		f.log = l
	}
}

// WithRetryableClient customizes the retrying client, e.g. to change the retry policy or the underlying transport.
func WithRetryableClient(c func(r *retryablehttp.Client)) Option {
	return func(f *Fetcher) {
		c(f.client)
	}
}

func New(opts ...Option) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.RetryMax = 2
	// the agent sees the final status instead of a "giving up" error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	f := &Fetcher{
		log:    zap.NewNop().Sugar(),
		client: client,
	}
	for _, o := range opts {
		o(f)
	}
	f.log = f.log.Named(Name)
	f.client.Logger = transport.PrintfLogger(f.log)
	return f
}

// Tool returns the web_fetch tool definition bound to this fetcher.
func (f *Fetcher) Tool() protocol.Tool {
	return protocol.Tool{
		Name:        Name,
		Description: "Fetch content from a URL. Returns the response text. Useful for getting web page content, API data, etc.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch.",
				},
				"method": map[string]any{
					"type":        "string",
					"enum":        []string{http.MethodGet, http.MethodPost},
					"description": "HTTP method. Default GET.",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Request body for POST requests.",
				},
			},
			"required": []string{"url"},
		},
		Handler: f.handle,
	}
}

func (f *Fetcher) handle(ctx context.Context, inv protocol.ToolInvocation) (protocol.ToolResult, error) {
	var args Args
	if err := inv.BindArguments(&args); err != nil {
		return protocol.ToolResult{}, err
	}
	text, err := f.Fetch(ctx, args)
	if err != nil {
		f.log.Debugw("fetch failed", "URL", args.URL, "Error", err)
		return protocol.FailureResult(err.Error()), nil
	}
	return protocol.TextResult(text), nil
}

// Fetch performs the request and returns the text shown to the agent. Non-2xx responses are not errors;
// they are reported as "HTTP <code>: <status>".
func (f *Fetcher) Fetch(ctx context.Context, args Args) (string, error) {
	if args.URL == "" {
		return "", errors.New("url is required")
	}
	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return "", fmt.Errorf("unsupported method %q", args.Method)
	}

	var body interface{}
	if method == http.MethodPost && args.Body != "" {
		body = []byte(args.Body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, args.URL, body)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	if args.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, statusText(resp)), nil
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if len(b) > MaxResponseBytes {
		return string(truncate(b)) + truncatedMarker, nil
	}
	return string(b), nil
}

// statusText is the reason phrase the server sent, falling back to the standard one.
func statusText(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

// truncate cuts b to MaxResponseBytes without splitting a UTF-8 sequence.
func truncate(b []byte) []byte {
	cut := MaxResponseBytes
	for cut > MaxResponseBytes-utf8.UTFMax && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return b[:cut]
}
