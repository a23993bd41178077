// Command shepherd is the terminal client for the church management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/and161185/shepherd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const commandTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("shepherd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config file")
	format := fs.String("o", formatJSON, "output format: json|yaml")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	if *format != formatJSON && *format != formatYAML {
		fmt.Fprintf(stderr, "unknown output format %q\n", *format)
		return 2
	}

	c := &cli{in: stdin, out: stdout, errw: stderr, format: *format}
	name, rest := fs.Arg(0), fs.Args()[1:]

	switch name {
	case "version":
		_ = c.print(map[string]string{"version": version, "buildDate": buildDate})
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr)
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return c.fail(err)
	}
	log, err := newLogger(cfg, *verbose, stderr)
	if err != nil {
		return c.fail(err)
	}

	if !cmd.longRunning {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, commandTimeout)
		defer cancel()
	}

	a, err := newApp(ctx, cfg, log, stderr)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	if err := a.svc.Init(ctx); err != nil {
		return c.fail(err)
	}
	if err := cmd.run(ctx, a, c, rest); err != nil {
		return c.fail(err)
	}
	return 0
}

func newLogger(cfg *config.Config, verbose bool, w io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	enc := zapcore.NewJSONEncoder(encCfg)
	if cfg.Development() {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core), nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `shepherd %s

Usage:
  shepherd [-config FILE] [-o json|yaml] [-v] <command> [flags]

Session:
  login -e EMAIL [-p PASSWORD] [-remember]
  mfa-verify -token MFA_TOKEN -code CODE
  register -e EMAIL [-p PASSWORD] -first NAME -last NAME [-org ID] [-branch ID]
  logout [-all]
  logout-session -id SESSION_ID
  whoami [-remote]
  status
  refresh
  token [-reveal]
  sessions
  validate

Account:
  password-reset-request -e EMAIL
  password-reset -token TOKEN [-p PASSWORD]
  password-change -current PASSWORD -new PASSWORD
  verify-email -token TOKEN
  mfa-enable
  mfa-disable [-p PASSWORD]
  profile [-first NAME] [-last NAME] [-phone PHONE] [-email EMAIL]

Other:
  risk
  watch [-addr HOST:PORT]
  version

Passwords not given as flags are read from SHEPHERD_PASSWORD or the first line of stdin.
`, version)
}
