package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/avatar-relay/internal/audio"
	"github.com/eleven-am/avatar-relay/internal/metrics"
	"github.com/eleven-am/avatar-relay/internal/ratelimit"
	"github.com/eleven-am/avatar-relay/internal/relay"
	"github.com/eleven-am/avatar-relay/internal/turnlog"
	"github.com/eleven-am/avatar-relay/internal/upstream"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const connectMetricTimeout = 2 * time.Second

func audioFormat(cfg *Config) (audio.Format, error) {
	f := audio.Format{
		SampleRate:    cfg.AudioSampleRate,
		BitsPerSample: cfg.AudioBitsPerSample,
		Channels:      cfg.AudioChannels,
	}
	return f, f.Validate()
}

// clipFormat is the format of the audio handed to clients.
func clipFormat(cfg *Config) (audio.Format, error) {
	f, err := audioFormat(cfg)
	if err != nil {
		return f, err
	}
	if cfg.AudioOutputRate <= 0 || cfg.AudioOutputRate == f.SampleRate {
		return f, nil
	}
	if !audio.CanResample(f) {
		return f, fmt.Errorf("AUDIO_OUTPUT_SAMPLE_RATE: %w", audio.ErrUnsupportedConversion)
	}
	f.SampleRate = cfg.AudioOutputRate
	return f, nil
}

func ProvideUpstreamManager(cfg *Config, metricsStore *metrics.Store, logger *slog.Logger) *upstream.Manager {
	log := logger.With("component", "upstream")
	if cfg.OpenAIAPIKey == "" {
		log.Warn("OPENAI_API_KEY not set, upstream handshakes will be rejected")
	}

	mgr := upstream.NewManager(upstream.Config{
		URL:              cfg.RealtimeURL,
		Model:            cfg.RealtimeModel,
		APIKey:           cfg.OpenAIAPIKey,
		BetaHeader:       cfg.RealtimeBeta,
		Organization:     cfg.OpenAIOrganization,
		Project:          cfg.OpenAIProject,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, nil, log)

	mgr.OnConnect(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), connectMetricTimeout)
			defer cancel()
			if err := metricsStore.IncrementConnects(ctx); err != nil {
				log.Warn("failed to count upstream connect", "error", err)
			}
		}()
	})
	return mgr
}

func ProvideController(cfg *Config, mgr *upstream.Manager, logger *slog.Logger) (*relay.Controller, error) {
	format, err := audioFormat(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := clipFormat(cfg); err != nil {
		return nil, err
	}
	return relay.NewController(mgr, relay.Config{
		Format:           format,
		OutputSampleRate: cfg.AudioOutputRate,
		QuietPeriod:      cfg.AudioQuietPeriod,
		Instructions:     cfg.RealtimeInstructions,
		Voice:            cfg.RealtimeVoice,
	}, logger), nil
}

// ProvideRecorder fans turn summaries out to the stores that are enabled.
func ProvideRecorder(metricsStore *metrics.Store, turnStore *turnlog.Store, logger *slog.Logger) relay.Recorder {
	recorders := []relay.Recorder{metricsStore}
	if turnStore != nil {
		recorders = append(recorders, turnStore)
	}
	return relay.NewRecorders(logger.With("component", "recorder"), recorders...)
}

func ProvideRelayHandler(cfg *Config, ctrl *relay.Controller, recorder relay.Recorder, logger *slog.Logger) (*relay.Handler, error) {
	mode, err := relay.ParseMode(cfg.RealtimeMode)
	if err != nil {
		return nil, err
	}
	format, err := clipFormat(cfg)
	if err != nil {
		return nil, err
	}
	return relay.NewHandler(relay.HandlerConfig{
		Starter:  ctrl,
		Mode:     mode,
		Format:   format,
		Recorder: recorder,
		Log:      logger.With("handler", "realtime"),
	}), nil
}

func ProvideRateLimiter(cfg *Config) *ratelimit.Store {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.Burst = cfg.RateLimitBurst
	return ratelimit.NewStore(rl)
}

func RegisterRelayRoutes(e *echo.Echo, h *relay.Handler, limiter *ratelimit.Store) {
	h.RegisterRoutes(e.Group("/realtime", ratelimit.Middleware(limiter)))
}

// CloseRelay releases the shared upstream connection on shutdown.
func CloseRelay(lc fx.Lifecycle, mgr *upstream.Manager, limiter *ratelimit.Store, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			limiter.Close()
			if err := mgr.Close(); err != nil {
				logger.Warn("failed to close upstream connection", "error", err)
			}
			return nil
		},
	})
}

var RelayModule = fx.Options(
	fx.Provide(
		ProvideUpstreamManager,
		ProvideController,
		ProvideRecorder,
		ProvideRelayHandler,
		ProvideRateLimiter,
	),
	fx.Invoke(RegisterRelayRoutes),
	fx.Invoke(CloseRelay),
)
