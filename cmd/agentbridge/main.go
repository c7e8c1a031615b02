package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/agentbridge/config"
	"github.com/guseggert/agentbridge/gateway"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "agentbridge",
		Usage: "bridges browser WebSocket connections to a coding agent subprocess",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Defaults to the nearest " + config.FileName + " above the working directory. Flags override its values.",
				EnvVars: []string{"AGENTBRIDGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   config.DefaultListenAddr,
				EnvVars: []string{"AGENTBRIDGE_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:  "upgrade-path",
				Usage: "The only path on which WebSocket upgrades are accepted.",
				Value: config.DefaultUpgradePath,
			},
			&cli.StringFlag{
				Name:    "agent-command",
				Usage:   "The agent executable spawned for each connection.",
				Value:   config.DefaultAgentCommand,
				EnvVars: []string{"AGENTBRIDGE_AGENT_COMMAND"},
			},
			&cli.StringSliceFlag{
				Name:  "agent-arg",
				Usage: "An argument passed to the agent. May be repeated.",
			},
			&cli.StringSliceFlag{
				Name:  "agent-env",
				Usage: "A KEY=VALUE added to the agent's environment. May be repeated.",
			},
			&cli.StringFlag{
				Name:  "agent-dir",
				Usage: "The agent's working directory.",
			},
			&cli.StringFlag{
				Name:    "upload-dir",
				Usage:   "Where uploaded images are stored.",
				EnvVars: []string{"AGENTBRIDGE_UPLOAD_DIR"},
			},
			&cli.Int64Flag{
				Name:  "max-upload-bytes",
				Usage: "The largest accepted upload request body.",
				Value: config.DefaultMaxUploadBytes,
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origin",
				Usage:   "An origin allowed by CORS. May be repeated.",
				EnvVars: []string{"AGENTBRIDGE_ALLOWED_ORIGINS"},
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "PEM certificate file. Requires --tls-key.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "PEM private key file. Requires --tls-cert.",
			},
			&cli.BoolFlag{
				Name:  "tls-self-signed",
				Usage: "Serve HTTPS with a generated certificate for localhost.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"AGENTBRIDGE_LOG_LEVEL"},
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long to wait for agents to exit on shutdown.",
				Value: config.DefaultShutdownTimeout,
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:  "gen-cert",
				Usage: "write a self-signed localhost certificate and key",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out-dir",
						Usage: "Directory to write localhost.pem and localhost-key.pem to.",
						Value: "certs",
					},
				},
				Action: genCert,
			},
		},
	}
}

// loadConfig reads the config file, if any, and applies the flags that were set explicitly.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = config.Find(config.FileName, wd)
		if err != nil {
			return nil, err
		}
	}
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("upgrade-path") {
		cfg.UpgradePath = c.String("upgrade-path")
	}
	if c.IsSet("agent-command") {
		cfg.Agent.Command = c.String("agent-command")
	}
	if c.IsSet("agent-arg") {
		cfg.Agent.Args = c.StringSlice("agent-arg")
	}
	if c.IsSet("agent-env") {
		cfg.Agent.Env = c.StringSlice("agent-env")
	}
	if c.IsSet("agent-dir") {
		cfg.Agent.Dir = c.String("agent-dir")
	}
	if c.IsSet("upload-dir") {
		cfg.UploadDir = c.String("upload-dir")
	}
	if c.IsSet("max-upload-bytes") {
		cfg.MaxUploadBytes = c.Int64("max-upload-bytes")
	}
	if c.IsSet("allowed-origin") {
		cfg.AllowedOrigins = c.StringSlice("allowed-origin")
	}
	if c.IsSet("tls-cert") {
		cfg.TLS.CertFile = c.String("tls-cert")
	}
	if c.IsSet("tls-key") {
		cfg.TLS.KeyFile = c.String("tls-key")
	}
	if c.IsSet("tls-self-signed") {
		cfg.TLS.SelfSigned = c.Bool("tls-self-signed")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("shutdown-timeout") {
		cfg.ShutdownTimeout = c.Duration("shutdown-timeout")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	g, err := gateway.New(*cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- g.Run() }()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	stopped := make(chan error, 1)
	go func() { stopped <- g.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			return fmt.Errorf("stopping gateway: %w", err)
		}
	case <-time.After(cfg.ShutdownTimeout):
		return errors.New("timed out waiting for agents to exit")
	}
	return <-runErr
}

func genCert(c *cli.Context) error {
	cert, err := gateway.BuildSelfSigned()
	if err != nil {
		return err
	}
	dir := c.String("out-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	certFile := filepath.Join(dir, "localhost.pem")
	keyFile := filepath.Join(dir, "localhost-key.pem")
	if err := os.WriteFile(certFile, cert.CertPEMBytes, 0o644); err != nil {
		return fmt.Errorf("writing cert: %w", err)
	}
	if err := os.WriteFile(keyFile, cert.KeyPEMBytes, 0o600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "wrote %s and %s, valid until %s\n", certFile, keyFile, cert.X509Cert.NotAfter.Format(time.RFC3339))
	return nil
}
