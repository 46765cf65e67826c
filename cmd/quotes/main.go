// Command quotes polls the broker for the configured instruments and appends
// one JSONL file per UTC day that replay mode can read back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"invest-grid/internal/broker/tinkoff"
	"invest-grid/internal/config"
	"invest-grid/internal/core"
	"invest-grid/internal/logging"
	"invest-grid/internal/quote"
)

const defaultOutDir = "data/quotes"

// dayWriter appends ticks to <root>/<YYYY-MM-DD>.jsonl, switching files when
// the tick date changes.
type dayWriter struct {
	root    string
	day     string
	current *quote.JSONLWriter
}

func newDayWriter(root string) (*dayWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dayWriter{root: root}, nil
}

func (w *dayWriter) write(t quote.Tick) error {
	day := t.Time.UTC().Format("2006-01-02")
	if day != w.day || w.current == nil {
		if err := w.close(); err != nil {
			return err
		}
		next, err := quote.OpenJSONLWriter(filepath.Join(w.root, day+".jsonl"))
		if err != nil {
			return err
		}
		w.current = next
		w.day = day
	}
	return w.current.Write(t)
}

func (w *dayWriter) close() error {
	if w == nil || w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// record polls every instrument each interval until ctx ends or rounds
// polls have run (rounds <= 0 polls forever). It returns the ticks written.
func record(ctx context.Context, src quote.Source, instruments []core.Instrument, w *dayWriter, interval time.Duration, rounds int, now func() time.Time, logger *zap.Logger) (int, error) {
	written := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for round := 1; ; round++ {
		for _, inst := range instruments {
			price, ok := src.CurrentPrice(ctx, inst.FIGI)
			if !ok {
				logger.Warn("quote_absent", zap.String("figi", inst.FIGI))
				continue
			}
			t := quote.Tick{Time: now().UTC(), FIGI: inst.FIGI, Name: inst.Name, Price: price}
			if err := w.write(t); err != nil {
				return written, err
			}
			written++
		}
		if rounds > 0 && round >= rounds {
			return written, nil
		}
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		configPath string
		envPath    string
		outDir     string
		rounds     int
	)
	flag.StringVar(&configPath, "config", "", "config yaml path (optional)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with credentials")
	flag.StringVar(&outDir, "out", defaultOutDir, "output directory")
	flag.IntVar(&rounds, "rounds", 0, "number of polling rounds, 0 runs until interrupted")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, closeLog, err := logging.New(cfg.Observability.Log.Level, "")
	if err != nil {
		fatal(err.Error())
	}
	defer closeLog()

	client, err := tinkoff.NewClient(tinkoff.Options{
		Token:     cfg.Broker.Token,
		AccountID: cfg.Broker.AccountID,
		BaseURL:   cfg.Broker.RestBaseURL,
		Timeout:   time.Duration(cfg.Broker.HTTPTimeoutSec) * time.Second,
		Logger:    logger,
	})
	if err != nil {
		fatal(err.Error())
	}
	w, err := newDayWriter(outDir)
	if err != nil {
		fatal(err.Error())
	}
	defer w.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	src := quote.WithTimeout(quote.NewBrokerSource(client, logger), cfg.QuoteTimeout())
	n, err := record(ctx, src, cfg.Instruments, w, cfg.UpdateInterval(), rounds, time.Now, logger)
	logger.Info("quotes_recorded", zap.Int("ticks", n), zap.String("out", outDir))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("quotes_failed", zap.Error(err))
		_ = w.close()
		_ = closeLog()
		os.Exit(1)
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
