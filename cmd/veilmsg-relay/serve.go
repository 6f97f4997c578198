package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/veilmsg/relay/auth"
	"github.com/veilmsg/relay/httpapi"
	"github.com/veilmsg/relay/keys"
	"github.com/veilmsg/relay/pkg/log"
	"github.com/veilmsg/relay/ratelimit"
	"github.com/veilmsg/relay/relay"
	"github.com/veilmsg/relay/wsfabric"
)

type serveOptions struct {
	config string

	httpAddr      string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the relay",
		Example: "veilmsg-relay serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.httpAddr, "http-addr", "", "HTTP listen address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry (metrics/health) listen address")

	return cmd
}

// serverRunner pairs an *http.Server with the run.Group lifecycle, exactly
// mirroring cmd/dex/serve.go's serverRunner/RunAndShutdownGracefully.
type serverRunner struct {
	name string
	srv  *http.Server

	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.srv.Serve(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %v", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("error parse config file %s: %v", path, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return Config{}, fmt.Errorf("error expanding environment variables: %v", err)
	}
	return c, nil
}

func applyServeOverrides(options serveOptions, c *Config) {
	if options.httpAddr != "" {
		c.Listen.HTTP = options.httpAddr
	}
	if options.telemetryAddr != "" {
		c.Listen.Telemetry = options.telemetryAddr
	}
}

func runServe(options serveOptions) error {
	c, err := loadConfig(options.config)
	if err != nil {
		return err
	}
	applyServeOverrides(options, &c)

	logrusLogger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	logger := log.NewLogrusLogger(logrusLogger)

	if err := c.Validate(); err != nil {
		return err
	}

	ctx := context.Background()

	store, err := c.OpenStorage(ctx, logrusLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()
	logger.Infof("config storage: %s", c.Storage.Type)

	eph, err := c.OpenEphemeral()
	if err != nil {
		return fmt.Errorf("failed to initialize ephemeral store: %v", err)
	}
	defer eph.Close()
	logger.Infof("config ephemeral: %s", c.Ephemeral.Type)

	lifetime, err := c.TokenLifetimeDuration()
	if err != nil {
		return fmt.Errorf("invalid config value for auth.tokenLifetime: %v", err)
	}
	gate, err := auth.New(store, eph, []byte(c.Auth.TokenSecret), lifetime, logrusLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth gate: %v", err)
	}

	sockets := wsfabric.New(gate, logrusLogger)
	relaySvc := relay.New(store, sockets)
	keysSvc := keys.New(store)
	limiter := ratelimit.New(eph)

	api := httpapi.New(gate, keysSvc, relaySvc, limiter, sockets, store, eph, logrusLogger, Version, httpapi.Config{
		AllowedOrigins: c.Web.AllowedOrigins,
		AllowedHeaders: c.Web.AllowedHeaders,
	})

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	healthChecker := gosundheit.New()
	reapInterval, err := c.ReapIntervalDuration()
	if err != nil {
		return fmt.Errorf("invalid config value for reapInterval: %v", err)
	}
	err = healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				_, err := store.GarbageCollect(ctx, time.Unix(0, 0))
				return nil, err
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})
	if err != nil {
		return fmt.Errorf("failed to register health check: %v", err)
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	telemetryRouter.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))

	var gr run.Group

	if c.Listen.Telemetry != "" {
		telemetrySrv := &http.Server{Addr: c.Listen.Telemetry, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{Addr: c.Listen.HTTP, Handler: api.Router()}
	defer httpSrv.Close()
	if err := newServerRunner("http", httpSrv, logger).RunAndShutdownGracefully(&gr); err != nil {
		return err
	}

	reapCtx, cancelReap := context.WithCancel(context.Background())
	gr.Add(func() error {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return nil
			case <-ticker.C:
				result, err := store.GarbageCollect(reapCtx, time.Now().UTC())
				if err != nil {
					logger.Errorf("reap: %v", err)
					continue
				}
				if !result.IsEmpty() {
					logger.Infof("reap: removed %d messages, %d revoked tokens", result.Messages, result.RevokedTokens)
				}
			}
		}
	}, func(error) {
		cancelReap()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}
