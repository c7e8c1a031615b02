package transport

import (
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// PrintfLogger routes Printf-style library diagnostics, such as those of jsonrpc2 and retryablehttp, to log at debug level.
func PrintfLogger(log *zap.SugaredLogger) jsonrpc2.Logger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &logAdapter{SugaredLogger: log}
}
