package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fedora-eln/distrobaker/internal/baker"
	"github.com/fedora-eln/distrobaker/internal/buildsys"
	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/logging"
	"github.com/fedora-eln/distrobaker/internal/messaging"
	"github.com/fedora-eln/distrobaker/internal/metrics"
	"github.com/fedora-eln/distrobaker/internal/state"
)

type GlobalConfig struct {
	Bind            string           `hcl:"bind" default:"127.0.0.1:8080" help:"Bind address for the status server."`
	ConfigRefresh   time.Duration    `hcl:"config-refresh" default:"10m" help:"Interval between configuration repository refreshes."`
	LoggingConfig   logging.Config   `hcl:"log,block"`
	MetricsConfig   metrics.Config   `hcl:"metrics,block"`
	MessagingConfig messaging.Config `hcl:"amqp,block"`
	KojiConfig      buildsys.Config  `hcl:"koji,block"`
	StateConfig     state.Config     `hcl:"state,block"`
}

type CLI struct {
	Schema  bool     `help:"Print the service configuration file schema." xor:"command"`
	Oneshot bool     `help:"Synchronize the selected components once and exit." xor:"command"`
	Select  []string `help:"Components to synchronize in oneshot mode, as namespace/component entries." placeholder:"NS/COMP"`
	Retries int      `default:"3" help:"Attempts for SCM, lookaside and configuration operations."`
	DryRun  bool     `help:"Do everything except pushing, uploading and submitting builds."`

	Config     *os.File `hcl:"-" help:"Service configuration file path." required:"" default:"distrobaker.hcl"`
	ConfigRepo string   `arg:"" optional:"" placeholder:"SCMURL" help:"SCM URL of the synchronization configuration repository, with an optional #ref."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.DefaultEnvars("DISTROBAKER"))

	defer cli.Config.Close()
	ast, err := hcl.Parse(cli.Config)
	kctx.FatalIfErrorf(err)

	var globalConfig GlobalConfig
	globalSchema, err := hcl.Schema(&globalConfig)
	kctx.FatalIfErrorf(err)
	envars := parseEnvars()
	expandVars(ast, envars)
	injectEnvars(globalSchema, ast, "DISTROBAKER", envars)
	err = hcl.UnmarshalAST(ast, &globalConfig, hcl.HydratedImplicitBlocks(true))
	kctx.FatalIfErrorf(err)

	switch { //nolint:gocritic
	case cli.Schema:
		printSchema(kctx)
		return
	}

	if cli.ConfigRepo == "" {
		kctx.Fatalf("a configuration repository SCM URL is required")
	}
	if len(cli.Select) > 0 && !cli.Oneshot {
		kctx.Fatalf("--select requires --oneshot")
	}

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, globalConfig.LoggingConfig)

	metricsClient, err := metrics.New(ctx, globalConfig.MetricsConfig)
	kctx.FatalIfErrorf(err, "failed to create metrics client")
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metrics client", "error", err)
		}
	}()
	operations, err := metrics.NewOperationMetrics()
	kctx.FatalIfErrorf(err, "failed to create operation metrics")
	ctx = metrics.ContextWithOperations(ctx, operations)

	journal, err := state.Open(globalConfig.StateConfig.Path)
	kctx.FatalIfErrorf(err, "failed to open the state journal")
	defer func() {
		if err := journal.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close the state journal", "error", err)
		}
	}()

	loader := config.NewLoader(cli.Retries)
	if _, err := loader.Load(ctx, cli.ConfigRepo); err != nil {
		logging.Critical(ctx, "Failed to load the configuration, aborting.", "error", err)
		kctx.Exit(1)
	}

	sessions := buildsys.NewCache(buildsys.NewKojiProvider(globalConfig.KojiConfig.ConfDir))
	pipeline := baker.NewPipeline(loader, sessions, nil, baker.Options{Retries: cli.Retries, DryRun: cli.DryRun})
	dispatcher := baker.NewDispatcher(loader, pipeline, journal)

	if cli.Oneshot {
		compset := make(map[string]struct{}, len(cli.Select))
		for _, sel := range cli.Select {
			compset[sel] = struct{}{}
		}
		_, _, err := dispatcher.ProcessComponents(ctx, compset)
		kctx.FatalIfErrorf(err)
		return
	}

	if globalConfig.MessagingConfig.URL == "" {
		kctx.Fatalf("the amqp block must configure a broker url")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := metricsClient.ServeMetrics(ctx); err != nil {
		kctx.FatalIfErrorf(err, "failed to start metrics server")
	}

	logger.InfoContext(ctx, "Starting DistroBaker", slog.String("bind", globalConfig.Bind))

	server := newServer(ctx, newMux(loader, journal), globalConfig.Bind, globalConfig.MetricsConfig)
	consumer := messaging.NewConsumer(globalConfig.MessagingConfig)

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return consumer.Run(ctx, dispatcher.ProcessMessage)
	})
	wg.Go(func() error {
		return refreshConfig(ctx, loader, cli.ConfigRepo, globalConfig.ConfigRefresh)
	})
	wg.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	})
	wg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return errors.WithStack(server.Shutdown(shutdownCtx))
	})
	err = wg.Wait()
	kctx.FatalIfErrorf(err)
}

func printSchema(kctx *kong.Context) {
	schema, err := hcl.Schema(&GlobalConfig{})
	kctx.FatalIfErrorf(err)
	text, err := hcl.MarshalAST(schema)
	kctx.FatalIfErrorf(err)

	if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		err = quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized")
		kctx.FatalIfErrorf(err)
	} else {
		fmt.Printf("%s\n", text) //nolint:forbidigo
	}
}

// refreshConfig reloads the synchronization configuration periodically and on
// SIGHUP. A failed refresh keeps the active snapshot.
func refreshConfig(ctx context.Context, loader *config.Loader, crepo string, interval time.Duration) error {
	logger := logging.FromContext(ctx)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.InfoContext(ctx, "Received SIGHUP, refreshing the configuration.")
		case <-tick:
		}
		if _, err := loader.Load(ctx, crepo); err != nil {
			logger.ErrorContext(ctx, "Configuration refresh failed, keeping the active configuration.", "error", err)
		}
	}
}

func newMux(loader *config.Loader, journal *state.Journal) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})

	mux.HandleFunc("GET /_readiness", func(w http.ResponseWriter, _ *http.Request) {
		if loader.Config() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})

	mux.Handle("GET /status", journal.Handler())

	return mux
}

func newServer(ctx context.Context, mux *http.ServeMux, bind string, metricsConfig metrics.Config) *http.Server {
	logger := logging.FromContext(ctx)
	var handler http.Handler = mux

	handler = otelhttp.NewMiddleware(metricsConfig.ServiceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)

	handler = loggingMiddleware(handler)

	return &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.FromContext(r.Context()).DebugContext(r.Context(), "Handled request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)))
	})
}
