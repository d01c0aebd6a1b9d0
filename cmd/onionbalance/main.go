// Command onionbalance load-balances Tor v2 hidden services across backend
// instances by publishing combined descriptors through a local Tor
// control port.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/dreamware/onionbalance/internal/balancer"
	"github.com/dreamware/onionbalance/internal/config"
	"github.com/dreamware/onionbalance/internal/descriptor"
	"github.com/dreamware/onionbalance/internal/keys"
	"github.com/dreamware/onionbalance/internal/status"
	"github.com/dreamware/onionbalance/internal/torctl"
)

const (
	envControlPassword = "ONIONBALANCE_CONTROL_PASSWORD"
	envKeyPassphrase   = "ONIONBALANCE_KEY_PASSPHRASE"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	ip           string
	port         int
	configPath   string
	verbosity    string
	statusListen string
	showStatus   string
}

func parseFlags(args []string, stderr io.Writer) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("onionbalance", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.ip, "ip", "i", "127.0.0.1", "Tor control port address")
	flagSet.IntVarP(&opts.port, "port", "p", 9051, "Tor control port")
	flagSet.StringVarP(&opts.configPath, "config", "c", "config.yaml", "configuration file")
	flagSet.StringVarP(&opts.verbosity, "verbosity", "v", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&opts.statusListen, "status-listen", "", "status endpoint address, overrides STATUS_LISTEN")
	flagSet.StringVar(&opts.showStatus, "show-status", "", "print the status of a running instance at this URL and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, nil, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	if opts.port <= 0 || opts.port > 65535 {
		return nil, nil, fmt.Errorf("invalid control port %d", opts.port)
	}
	return &opts, flagSet, nil
}

func newLogger(w io.Writer, verbosity string) (log.Logger, error) {
	var allow level.Option
	switch strings.ToLower(verbosity) {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn", "warning":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown verbosity %q", verbosity)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, allow), nil
}

// passphraseSource returns the key passphrase from the environment, or
// prompts on the terminal when none is set.
func passphraseSource(getenv func(string) string, prompt func(path string) ([]byte, error)) keys.PassphraseFunc {
	return func(path string) ([]byte, error) {
		if p := getenv(envKeyPassphrase); p != "" {
			return []byte(p), nil
		}
		if prompt == nil {
			return nil, keys.ErrPassphraseRequired
		}
		return prompt(path)
	}
}

func terminalPrompt(path string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: no terminal for a prompt, set %s", keys.ErrPassphraseRequired, envKeyPassphrase)
	}
	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", path)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return passphrase, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, flagSet, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, opts.verbosity)
	if err != nil {
		return err
	}

	if opts.showStatus != "" {
		report, err := status.Fetch(ctx, opts.showStatus)
		if err != nil {
			return fmt.Errorf("query status: %w", err)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("status-listen") {
		cfg.StatusListen = opts.statusListen
	}

	passphrase := passphraseSource(os.Getenv, terminalPrompt)
	services, err := balancer.NewServices(cfg, func(path string) (*rsa.PrivateKey, error) {
		return keys.LoadServiceKey(path, passphrase)
	})
	if err != nil {
		return err
	}
	for _, s := range services {
		level.Info(logger).Log("msg", "loaded service key", "service", s.Address()+".onion", "instances", len(s.Instances()))
	}

	controlAddr := net.JoinHostPort(opts.ip, strconv.Itoa(opts.port))
	conn, err := torctl.Dial(ctx, controlAddr, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Authenticate(ctx, os.Getenv(envControlPassword)); err != nil {
		return fmt.Errorf("control port %s: %w", controlAddr, err)
	}
	version, err := conn.Version(ctx)
	if err != nil {
		return fmt.Errorf("control port %s: %w", controlAddr, err)
	}
	if !version.AtLeast(torctl.MinHSPostVersion) {
		return fmt.Errorf("tor %s does not support HSPOST, %s or newer is required", version, torctl.MinHSPostVersion)
	}
	level.Info(logger).Log("msg", "connected to tor", "addr", controlAddr, "version", version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	manager := balancer.NewManager(cfg, services, conn, descriptor.NewCodec(cfg.InstanceDescriptorMaxAge),
		balancer.WithLogger(logger),
		balancer.WithMetrics(balancer.NewMetrics(reg)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	statusDone := make(chan error, 1)
	if cfg.StatusListen != "" {
		srv := status.NewServer(cfg.StatusListen, status.NewRouter(manager, reg, logger), logger)
		go func() {
			err := srv.Run(ctx)
			if err != nil {
				level.Error(logger).Log("msg", "status endpoint failed", "err", err)
			}
			statusDone <- err
		}()
	} else {
		statusDone <- nil
	}

	err = manager.Run(ctx)
	cancel()
	<-statusDone
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "shutting down")
	return nil
}
