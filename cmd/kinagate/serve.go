package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kinetia/kinagate/internal/auth"
	"github.com/kinetia/kinagate/internal/config"
	"github.com/kinetia/kinagate/internal/gateway"
	"github.com/kinetia/kinagate/internal/obs"
	"github.com/kinetia/kinagate/internal/ratelimit"
	"github.com/kinetia/kinagate/internal/ratelimit/memory"
	"github.com/kinetia/kinagate/internal/ratelimit/stats"
	"github.com/kinetia/kinagate/internal/routing"
	"github.com/kinetia/kinagate/internal/upstream"
	"github.com/kinetia/kinagate/internal/upstream/gemini"
	"github.com/kinetia/kinagate/internal/upstream/webhook"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}
			logger := obs.SetupLogger(cfg.Observability.LogLevel)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// app is everything serve builds, so tests can exercise the handler without
// a listener.
type app struct {
	handler http.Handler
	limiter *memory.Limiter
	stats   *stats.Memory
	redis   *redis.Client
}

func (a *app) Close() error {
	var errs []error
	if a.limiter != nil {
		errs = append(errs, a.limiter.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func routeTable(cfg *config.Root) *routing.Table {
	chat := ratelimit.Policy{MaxRequests: cfg.Limits.Chat.MaxRequests, Window: cfg.Limits.Chat.Window()}
	forms := ratelimit.Policy{MaxRequests: cfg.Limits.Forms.MaxRequests, Window: cfg.Limits.Forms.Window()}

	t := routing.NewTable()
	t.Add(&routing.Route{
		ID:                  routing.Chat,
		Path:                "/api/chat",
		Policy:              chat,
		Timeout:             cfg.LLM.Timeout(),
		UpstreamErrorStatus: http.StatusInternalServerError,
	})
	t.Add(&routing.Route{ID: routing.Contact, Path: "/api/contact", Policy: forms, Timeout: cfg.Forms.Timeout()})
	t.Add(&routing.Route{ID: routing.Demo, Path: "/api/demo", Policy: forms, Timeout: cfg.Forms.Timeout()})
	return t
}

func newApp(ctx context.Context, cfg *config.Root, logger zerolog.Logger) (*app, error) {
	a := &app{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	a.limiter = memory.New(memory.WithSweepInterval(cfg.Limits.SweepInterval()))
	metrics.TrackKeys(a.limiter.Len)

	a.stats = stats.NewMemory()
	recorders := stats.Multi{a.stats}
	if sc := cfg.Limits.Stats; sc.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,

			// stats ride on the admission path; fail fast instead of retrying
			ContextTimeoutEnabled: true,
			DialTimeout:           time.Second,
			ReadTimeout:           200 * time.Millisecond,
			WriteTimeout:          200 * time.Millisecond,
			PoolTimeout:           200 * time.Millisecond,
			MaxRetries:            -1,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// counters are best-effort; keep serving without them until redis is back
			logger.Warn().Err(err).Str("addr", sc.RedisAddr).Msg("admission stats redis unreachable")
		}
		recorders = append(recorders, stats.NewRedis(a.redis,
			stats.WithPrefix(sc.Prefix),
			stats.WithTTL(sc.TTL()),
			stats.WithRedisTrackKeys(sc.TrackKeys),
		))
	}

	hc := upstream.NewHTTPClient(upstream.NewHTTPTransport())

	llm := gemini.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	llm.HTTPClient = hc
	llm.SystemPrompt = cfg.LLM.SystemPrompt
	llm.Welcome = cfg.LLM.WelcomeMessage
	if !llm.Configured() {
		logger.Warn().Msg("no GEMINI_API_KEY; /api/chat will answer not_configured")
	}

	deliverer := func(name, url string) upstream.Deliverer {
		if url == "" {
			logger.Warn().Str("form", name).Str("mode", cfg.Forms.Mode).Msg("no webhook configured")
			return nil
		}
		return upstream.NewPaced(webhook.NewClient(url, hc), cfg.Forms.MaxPerSecond, cfg.Forms.Burst)
	}

	guard := auth.NewToken("", cfg.Observability.MetricsToken)
	ops := map[string]http.Handler{
		"/version": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(version))
		}),
		cfg.Observability.PrometheusPath: guard.Middleware(obs.Handler(reg)),
		"/stats":                         guard.Middleware(statsHandler(a.stats)),
	}

	g, err := gateway.New(gateway.Options{
		Routes:          routeTable(cfg),
		Limiter:         a.limiter,
		Recorder:        recorders,
		Completer:       llm,
		Contact:         deliverer(routing.Contact, cfg.Forms.ContactWebhookURL),
		Demo:            deliverer(routing.Demo, cfg.Forms.DemoWebhookURL),
		FormMode:        cfg.Forms.Mode,
		AllowedOrigin:   cfg.CORS.AllowedOrigin,
		MaxBodyBytes:    cfg.Server.MaxBody(),
		MaxHistoryTurns: cfg.LLM.MaxHistoryTurns,
		Observer:        metrics,
		Logger:          logger,
		Ops:             ops,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	skip := map[string]struct{}{cfg.Observability.PrometheusPath: {}}
	a.handler = g.Handler(
		obs.Logger(logger),
		metrics.Middleware(g.RouteLabel, skip),
	)
	return a, nil
}

func statsHandler(s *stats.Memory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":    s.Total(),
			"by_route": s.ByRoute(),
		})
	})
}

func serve(ctx context.Context, cfg *config.Root, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("cleanup")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("form_mode", cfg.Forms.Mode).
			Str("cors_origin", cfg.CORS.AllowedOrigin).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	logger.Info().Msg("bye")
	return nil
}
