package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"invest-grid/internal/alert"
	"invest-grid/internal/api"
	"invest-grid/internal/book"
	"invest-grid/internal/broker/tinkoff"
	"invest-grid/internal/config"
	"invest-grid/internal/engine"
	"invest-grid/internal/logging"
	"invest-grid/internal/metrics"
	"invest-grid/internal/quote"
	"invest-grid/internal/safety"
	"invest-grid/internal/settle"
	"invest-grid/internal/store"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "", "config yaml path (optional)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with credentials")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, closeLog, err := logging.New(cfg.Observability.Log.Level, cfg.Observability.Log.File)
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := run(ctx, cfg, logger, os.Stdout)
	stop()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("gridbot_exit", zap.Error(runErr))
	}
	_ = closeLog()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer) error {
	takeover := true
	if cfg.Storage.LockTakeover != nil {
		takeover = *cfg.Storage.LockTakeover
	}
	lock, err := store.AcquireLock(cfg.Storage.Dir, store.LockOptions{
		Takeover:   takeover,
		StaleAfter: time.Duration(cfg.Storage.LockStaleSec) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("lock_release_failed", zap.Error(relErr))
		}
	}()

	ledger, err := store.Open(cfg.Storage.Type, cfg.Storage.Dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ledger.Close(); closeErr != nil {
			logger.Warn("ledger_close_failed", zap.Error(closeErr))
		}
	}()
	statusFile, err := store.NewStatusFile(cfg.Storage.Dir, logger)
	if err != nil {
		return err
	}

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("alert_close_failed", zap.Error(err))
			}
		}()
	}

	bk := book.New(logger)
	opts := engine.Options{
		Instruments:  cfg.Instruments,
		Grid:         cfg.GridParams(),
		Interval:     cfg.UpdateInterval(),
		QuoteTimeout: cfg.QuoteTimeout(),
		Ledger:       ledger,
		Retry: store.RetryPolicy{
			Attempts: cfg.Engine.PersistAttempts,
			Backoff:  time.Duration(cfg.Engine.PersistBackoffMs) * time.Millisecond,
			MaxWait:  2 * time.Second,
		},
		Book:      bk,
		Portfolio: settle.NewPortfolio(cfg.Engine.InitialCash.Decimal),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Status:    statusFile,
		StatusInfo: store.RuntimeStatus{
			Mode:      string(cfg.Mode),
			TradeMode: string(cfg.TradeMode),
			Storage:   cfg.Storage.Type,
		},
		Logger: logger,
	}
	if alerts != nil {
		opts.Alerts = alerts
	}

	if cfg.Mode == config.ModeReplay {
		return runReplay(ctx, cfg, opts, logger, out)
	}
	return runLive(ctx, cfg, opts, alerts, logger)
}

func runLive(ctx context.Context, cfg config.Config, opts engine.Options, alerts *alert.Manager, logger *zap.Logger) error {
	client, err := tinkoff.NewClient(tinkoff.Options{
		Token:     cfg.Broker.Token,
		AccountID: cfg.Broker.AccountID,
		BaseURL:   cfg.Broker.RestBaseURL,
		Timeout:   time.Duration(cfg.Broker.HTTPTimeoutSec) * time.Second,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(safety.Options{
		Enabled:              cfg.CircuitBreaker.Enabled,
		MaxPlaceFailures:     cfg.CircuitBreaker.MaxPlaceFailures,
		MaxCancelFailures:    cfg.CircuitBreaker.MaxCancelFailures,
		MaxReconnectFailures: 10,
		Logger:               logger,
		Alerter:              opts.Alerts,
	})

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	switch cfg.Engine.PriceSource {
	case config.PriceSourceStream:
		figis := make([]string, len(cfg.Instruments))
		for i, inst := range cfg.Instruments {
			figis[i] = inst.FIGI
		}
		stream := tinkoff.NewStream(tinkoff.StreamOptions{
			URL:     cfg.Broker.StreamURL,
			Token:   cfg.Broker.Token,
			FIGIs:   figis,
			Breaker: breaker,
			Logger:  logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = stream.Run(ctx)
		}()
		opts.Source = stream
	default:
		opts.Source = quote.NewBrokerSource(client, logger)
	}
	if cfg.TradeMode == config.TradeModeTrade {
		opts.Executor = safety.NewGuardedExecutor(client, breaker)
	}

	runner, err := engine.NewRunner(opts)
	if err != nil {
		return err
	}
	if cfg.Engine.Resume {
		if _, err := runner.Restore(cfg.Engine.InitialCash.Decimal); err != nil {
			return err
		}
	}
	if listen := cfg.Observability.HTTP.Listen; listen != "" {
		server := api.NewServer(runner, api.Options{
			Addr:           listen,
			AllowedOrigins: cfg.Observability.HTTP.AllowedOrigins,
			Metrics:        opts.Metrics,
			Logger:         logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				logger.Error("api_failed", zap.Error(err))
			}
		}()
	}

	logger.Info("gridbot_started",
		zap.String("mode", string(cfg.Mode)),
		zap.String("trade_mode", string(cfg.TradeMode)),
		zap.String("price_source", string(cfg.Engine.PriceSource)),
		zap.String("storage", cfg.Storage.Type),
		zap.Int("instruments", len(cfg.Instruments)),
		zap.Int("grid_size", cfg.Grid.Size),
		zap.String("grid_step", cfg.Grid.Step.String()),
	)
	alerts.Important("bot_started", map[string]string{
		"instruments": strconv.Itoa(len(cfg.Instruments)),
		"grid_size":   strconv.Itoa(cfg.Grid.Size),
		"grid_step":   cfg.Grid.Step.String(),
	})
	return runner.Run(ctx)
}

func runReplay(ctx context.Context, cfg config.Config, opts engine.Options, logger *zap.Logger, out io.Writer) error {
	feed, err := quote.NewJSONLFeed(cfg.Replay.DataPath, logger)
	if err != nil {
		return err
	}
	defer feed.Close()
	src := quote.NewReplaySource(feed)
	opts.Source = src
	opts.Now = src.Now
	opts.QuoteTimeout = 0

	runner, err := engine.NewRunner(opts)
	if err != nil {
		return err
	}
	if cfg.Engine.Resume {
		if _, err := runner.Restore(cfg.Engine.InitialCash.Decimal); err != nil {
			return err
		}
	}
	rr := engine.ReplayRunner{Runner: runner, Source: src, Logger: logger}
	result, err := rr.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, "replay canceled")
		}
		return err
	}
	fmt.Fprintf(out,
		"summary frames=%d fills=%d cancellations=%d quote_misses=%d cash=%s portfolio=%s peak=%s max_drawdown=%s skipped_lines=%d start=%s end=%s\n",
		result.Frames,
		result.Fills,
		result.Cancellations,
		result.QuoteMisses,
		result.Cash.String(),
		result.Value.String(),
		result.PeakValue.String(),
		result.MaxDrawdown.String(),
		feed.Skipped(),
		result.StartTime.Format(time.RFC3339),
		result.EndTime.Format(time.RFC3339),
	)
	return nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegram(tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
	return alert.NewManager(notifier, alert.Options{
		Mode:               string(cfg.Mode),
		TradeMode:          string(cfg.TradeMode),
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}
