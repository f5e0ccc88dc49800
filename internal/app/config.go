package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

// runConfig is the full configuration surface of `updategate run`. All
// values arrive via flags (optionally backed by a dotenv file); the core
// packages never read configuration themselves.
type runConfig struct {
	Listen    string
	OpsListen string

	StoreKind   string // sqlite | postgres | memory
	DBPath      string
	PostgresDSN string

	SecretRef    string
	SecretHeader string
	WatchSecret  bool

	IDField        string
	MaxBodyBytes   int64
	DedupWindow    time.Duration
	DedupThreshold int

	BatchSize    int
	IdleDelay    time.Duration
	FailureDelay time.Duration
	MaxAttempts  int

	ForwardURL     string
	ForwardTimeout time.Duration

	LogLevel  string
	LogOutput string
	LogPath   string
	PIDFile   string
	Dotenv    string

	TracingEnabled  bool
	TracingEndpoint string
	TracingInsecure bool
}

func parseRunConfig(args []string, stderr io.Writer) (runConfig, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg runConfig
	fs.StringVar(&cfg.Listen, "listen", ":8080", "webhook listener address")
	fs.StringVar(&cfg.OpsListen, "ops-listen", "127.0.0.1:9090", "metrics/ops listener address (empty disables)")
	fs.StringVar(&cfg.StoreKind, "store", "sqlite", "queue backend (sqlite|postgres|memory)")
	fs.StringVar(&cfg.DBPath, "db", "./.data/updategate.db", "path to sqlite queue db file")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "postgres DSN (implies --store postgres)")
	fs.StringVar(&cfg.SecretRef, "secret", "", "shared secret reference (env:NAME|file:PATH|raw:VALUE)")
	fs.StringVar(&cfg.SecretHeader, "secret-header", "X-Webhook-Secret", "header carrying the shared secret")
	fs.BoolVar(&cfg.WatchSecret, "watch-secret", false, "watch a file: secret for rotation")
	fs.StringVar(&cfg.IDField, "id-field", "update_id", "payload field holding the external update id")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum accepted request body size")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", 10*time.Minute, "rolling window for duplicate counting")
	fs.IntVar(&cfg.DedupThreshold, "dedup-threshold", 3, "in-window repeats tolerated before 409")
	fs.IntVar(&cfg.BatchSize, "batch-size", 16, "worker claim batch size")
	fs.DurationVar(&cfg.IdleDelay, "idle-delay", time.Second, "worker sleep when the queue is empty")
	fs.DurationVar(&cfg.FailureDelay, "failure-delay", 30*time.Second, "retry delay after a failure")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", 0, "dead-letter after this many attempts (0 retries forever)")
	fs.StringVar(&cfg.ForwardURL, "forward-url", "", "downstream URL for the default forwarding handler")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout", 10*time.Second, "per-item timeout for the forwarding handler")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogOutput, "log-output", "stderr", "log sink (stdout|stderr|file)")
	fs.StringVar(&cfg.LogPath, "log-path", "", "log file path when --log-output=file")
	fs.StringVar(&cfg.PIDFile, "pid-file", "", "write process PID to file")
	fs.StringVar(&cfg.Dotenv, "dotenv", "", "load environment variables from file (dev only)")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", false, "enable OTLP tracing of the webhook handler")
	fs.StringVar(&cfg.TracingEndpoint, "tracing-endpoint", "", "OTLP/HTTP collector endpoint URL")
	fs.BoolVar(&cfg.TracingInsecure, "tracing-insecure", false, "allow plaintext OTLP export")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	if fs.NArg() != 0 {
		return runConfig{}, errors.New("run: unexpected positional arguments")
	}
	return cfg, cfg.validate()
}

func (c *runConfig) validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("run: --listen is required")
	}
	if strings.TrimSpace(c.SecretRef) == "" {
		return errors.New("run: --secret is required")
	}
	if strings.TrimSpace(c.PostgresDSN) != "" {
		c.StoreKind = "postgres"
	}
	switch strings.ToLower(strings.TrimSpace(c.StoreKind)) {
	case "sqlite":
		c.StoreKind = "sqlite"
		if strings.TrimSpace(c.DBPath) == "" {
			return errors.New("run: --db is required for the sqlite store")
		}
	case "postgres":
		c.StoreKind = "postgres"
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("run: --postgres-dsn is required for the postgres store")
		}
	case "memory":
		c.StoreKind = "memory"
	default:
		return fmt.Errorf("run: invalid --store %q (use: sqlite|postgres|memory)", c.StoreKind)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("run: --max-body-bytes must be positive")
	}
	if c.DedupThreshold < 1 {
		return errors.New("run: --dedup-threshold must be at least 1")
	}
	if c.BatchSize < 1 {
		return errors.New("run: --batch-size must be at least 1")
	}
	if c.MaxAttempts < 0 {
		return errors.New("run: --max-attempts must not be negative")
	}
	return nil
}
