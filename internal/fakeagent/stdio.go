package fakeagent

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error {
	err := os.Stdin.Close()
	if err2 := os.Stdout.Close(); err == nil {
		err = err2
	}
	return err
}

// Main runs the agent on stdin and stdout, the way the bridge runs a real agent, and returns the process exit status.
// Logs go to stderr.
func Main(opts ...Option) int {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return 1
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts = append([]Option{
		WithLogger(log),
		WithExitFunc(func(code int) {
			log.Infow("exiting", "Code", code)
			_ = logger.Sync()
			os.Exit(code)
		}),
	}, opts...)

	stream := jsonrpc2.NewBufferedStream(stdio{}, jsonrpc2.VSCodeObjectCodec{})
	if err := Serve(ctx, stream, opts...); err != nil && ctx.Err() == nil {
		log.Errorw("serving", "Error", err)
		return 1
	}
	return 0
}
