package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/lifeline/internal/bootstrap"
	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/logging"
	"github.com/danmuck/lifeline/internal/node"
	"github.com/danmuck/lifeline/internal/orchestrator"
	"github.com/danmuck/lifeline/internal/server"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

const envToken = "LIFELINE_TOKEN"

type options struct {
	configPath string
	statusAddr string
	token      string
	anonymous  bool
}

func main() {
	_ = godotenv.Load()
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lifelinectl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("lifelinectl", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "cmd/lifelinectl/config.toml", "Config file path")
	fs.StringVar(&opts.statusAddr, "status-addr", "", "Status API listen address (overrides config)")
	fs.StringVarP(&opts.token, "token", "t", os.Getenv(envToken), "Bearer token to bootstrap with")
	fs.BoolVar(&opts.anonymous, "anonymous", false, "Bootstrap without a token")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.anonymous && strings.TrimSpace(opts.token) != "" {
		return options{}, errors.New("--token and --anonymous are mutually exclusive")
	}
	return opts, nil
}

// initialCredential is unset unless a token or --anonymous was given; the
// status API can supply it later.
func (o options) initialCredential() credential.Credential {
	switch {
	case strings.TrimSpace(o.token) != "":
		return credential.Token(strings.TrimSpace(o.token))
	case o.anonymous:
		return credential.Absent()
	default:
		return credential.Unset()
	}
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	config.ApplyEnv(&cfg)
	if opts.statusAddr != "" {
		cfg.Status.Addr = opts.statusAddr
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, orchestrator.WithNotifier(bootstrap.NotifierFunc(notifyUpdate)))
	if err != nil {
		return err
	}
	defer orch.Close()

	cancel := orch.Subscribe(logPhaseChanges())
	defer cancel()

	status := server.New("lifelinectl", orch, cfg.Status.CorsOrigins)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- node.ListenAndServe(ctx, status, cfg.Status.Addr)
	}()

	orch.SetCredential(opts.initialCredential())

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return <-serveErr
		case err := <-serveErr:
			return err
		case err, ok := <-orch.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}
}

// notifyUpdate is the headless update notification: it logs and returns.
func notifyUpdate(_ context.Context, force bool) error {
	event := log.Warn()
	if force {
		event = log.Error()
	}
	event.Bool("force", force).Msg("a newer client version is available")
	return nil
}

func logPhaseChanges() func(orchestrator.Status) {
	var last orchestrator.Phase
	return func(st orchestrator.Status) {
		if st.Phase == last {
			return
		}
		last = st.Phase
		log.Info().
			Str("phase", string(st.Phase)).
			Str("target", string(st.Target)).
			Bool("network_down", st.NetworkDown).
			Int("pending", st.Pending).
			Msg("phase changed")
	}
}
