package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/agentbridge/client"
	"github.com/guseggert/agentbridge/protocol"
	"github.com/guseggert/agentbridge/tools/webfetch"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "agentchat",
		Usage: "chat with a coding agent through an agentbridge gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "The gateway WebSocket endpoint.",
				Value:   "ws://localhost:3000/api/copilot",
				EnvVars: []string{"AGENTCHAT_URL"},
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "The model to request for the session.",
			},
			&cli.StringFlag{
				Name:  "session-id",
				Usage: "Resume the session with this ID instead of starting a new one.",
			},
			&cli.StringFlag{
				Name:  "system",
				Usage: "Text appended to the agent's system prompt.",
			},
			&cli.BoolFlag{
				Name:  "web-fetch",
				Usage: "Offer the web_fetch tool to the agent.",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "Skip TLS verification, e.g. for a gateway using a self-signed certificate.",
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "How long to wait for each response from the agent.",
				Value: client.DefaultRequestTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Logs go to stderr.",
				Value: "warn",
			},
		},
		Action: run,
	}
}

// uploadBaseURL maps the WebSocket endpoint to the gateway's HTTP origin.
func uploadBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}

func run(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	baseURL, err := uploadBaseURL(c.String("url"))
	if err != nil {
		return err
	}

	httpClient := &http.Client{}
	if c.Bool("insecure") {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := client.New(c.String("url"),
		client.WithLogger(logger),
		client.WithHTTPClient(httpClient),
		client.WithRequestTimeout(c.Duration("request-timeout")),
		client.WithDialOptions(&websocket.DialOptions{CompressionMode: websocket.CompressionContextTakeover}),
	)
	if err := cl.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cl.Stop(stopCtx); err != nil {
			logger.Sugar().Debugf("error stopping client: %s", err)
		}
	}()

	cfg := client.SessionConfig{Model: c.String("model"), SessionID: c.String("session-id")}
	if system := c.String("system"); system != "" {
		cfg.SystemMessage = &protocol.SystemMessage{Content: system}
	}
	if c.Bool("web-fetch") {
		cfg.Tools = append(cfg.Tools, webfetch.New(webfetch.WithLogger(logger.Sugar())).Tool())
	}
	session, err := cl.CreateSession(ctx, cfg)
	if err != nil {
		return err
	}

	uploader := client.NewUploader(logger.Sugar(), baseURL, client.WithUploaderRetryableClient(func(r *retryablehttp.Client) {
		r.HTTPClient = httpClient
	}))
	ch := &chat{out: c.App.Writer, session: session, uploader: uploader}
	fmt.Fprintf(ch.out, "session %s, /help for commands\n", session.ID)

	return loop(ctx, cl, ch, c.App.Reader)
}

// loop feeds input lines to ch until input ends, the user quits, or the connection is lost.
func loop(ctx context.Context, cl *client.Client, ch *chat, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the scanner can't be interrupted, so it stays outside the group
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				err := ch.handleLine(groupCtx, line)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil && groupCtx.Err() == nil {
					return err
				}
			}
		}
	})
	group.Go(func() error {
		select {
		case <-cl.Done():
			return cl.Err()
		case <-groupCtx.Done():
			return nil
		}
	})
	return group.Wait()
}
