package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"invest-grid/internal/core"
	"invest-grid/internal/grid"
)

type Mode string

type TradeMode string

type PriceSource string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
)

const (
	TradeModeTest  TradeMode = "test"
	TradeModeTrade TradeMode = "trade"
)

const (
	PriceSourceREST   PriceSource = "rest"
	PriceSourceStream PriceSource = "stream"
)

const (
	StorageCSV    = "csv"
	StoragePebble = "pebble"
)

const (
	ProductionBaseURL = "https://api-invest.tinkoff.ru/openapi"
	SandboxBaseURL    = "https://api-invest.tinkoff.ru/openapi/sandbox"
	StreamURL         = "wss://api-invest.tinkoff.ru/openapi/md/v1/md-openapi/ws"
)

// DefaultInstruments is used when neither the file nor the environment names any.
var DefaultInstruments = []core.Instrument{
	{FIGI: "BBG004730N88", Name: "Sberbank"},
	{FIGI: "BBG000B9XRY4", Name: "Gazprom"},
	{FIGI: "BBG0013HGFT4", Name: "Lukoil"},
}

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	TradeMode      TradeMode            `yaml:"trade_mode"`
	Instruments    []core.Instrument    `yaml:"instruments"`
	Grid           GridConfig           `yaml:"grid"`
	Engine         EngineConfig         `yaml:"engine"`
	Broker         BrokerConfig         `yaml:"broker"`
	Storage        StorageConfig        `yaml:"storage"`
	Replay         ReplayConfig         `yaml:"replay"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type GridConfig struct {
	Size int     `yaml:"size"`
	Step Decimal `yaml:"step"`
}

type EngineConfig struct {
	UpdateIntervalSec int64       `yaml:"update_interval_sec"`
	QuoteTimeoutSec   int64       `yaml:"quote_timeout_sec"`
	PriceSource       PriceSource `yaml:"price_source"`
	Resume            bool        `yaml:"resume"`
	InitialCash       Decimal     `yaml:"initial_cash"`
	PersistAttempts   int         `yaml:"persist_attempts"`
	PersistBackoffMs  int64       `yaml:"persist_backoff_ms"`
}

type BrokerConfig struct {
	Token          string `yaml:"token"`
	AccountID      string `yaml:"account_id"`
	Sandbox        bool   `yaml:"sandbox"`
	RestBaseURL    string `yaml:"rest_base_url"`
	StreamURL      string `yaml:"stream_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type StorageConfig struct {
	Type         string `yaml:"type"`
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type ReplayConfig struct {
	DataPath string `yaml:"data_path"`
}

type CircuitBreakerConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPlaceFailures  int  `yaml:"max_place_failures"`
	MaxCancelFailures int  `yaml:"max_cancel_failures"`
}

type ObservabilityConfig struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
	HTTP     HTTPConfig     `yaml:"http"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type HTTPConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RuntimeConfig struct {
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// Load reads the YAML file at path, applies environment overrides, fills
// defaults and validates. An empty path configures from the environment only.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("config must contain a single YAML document")
		}
		return err
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.TradeMode = TradeMode(strings.ToLower(strings.TrimSpace(string(c.TradeMode))))
	c.Engine.PriceSource = PriceSource(strings.ToLower(strings.TrimSpace(string(c.Engine.PriceSource))))
	for i := range c.Instruments {
		c.Instruments[i].FIGI = strings.ToUpper(strings.TrimSpace(c.Instruments[i].FIGI))
		c.Instruments[i].Name = strings.TrimSpace(c.Instruments[i].Name)
	}
	c.Broker.Token = strings.TrimSpace(c.Broker.Token)
	c.Broker.AccountID = strings.TrimSpace(c.Broker.AccountID)
	c.Broker.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Broker.RestBaseURL), "/")
	c.Broker.StreamURL = strings.TrimSpace(c.Broker.StreamURL)
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	if c.Storage.Type == "sql" {
		c.Storage.Type = StoragePebble
	}
	c.Storage.Dir = strings.TrimSpace(c.Storage.Dir)
	c.Replay.DataPath = strings.TrimSpace(c.Replay.DataPath)
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.File = strings.TrimSpace(c.Observability.Log.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.HTTP.Listen = strings.TrimSpace(c.Observability.HTTP.Listen)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLive
	}
	if c.TradeMode == "" {
		c.TradeMode = TradeModeTest
	}
	if len(c.Instruments) == 0 {
		c.Instruments = append([]core.Instrument(nil), DefaultInstruments...)
	}
	for i := range c.Instruments {
		if c.Instruments[i].Name == "" {
			c.Instruments[i].Name = c.Instruments[i].FIGI
		}
	}
	if c.Grid.Size == 0 {
		c.Grid.Size = 5
	}
	if c.Grid.Step.IsZero() {
		c.Grid.Step = Decimal{decimal.NewFromInt(2)}
	}
	if c.Engine.UpdateIntervalSec == 0 {
		c.Engine.UpdateIntervalSec = 5
	}
	if c.Engine.QuoteTimeoutSec == 0 {
		c.Engine.QuoteTimeoutSec = 3
	}
	if c.Engine.PriceSource == "" {
		c.Engine.PriceSource = PriceSourceREST
	}
	if c.Engine.PersistAttempts == 0 {
		c.Engine.PersistAttempts = 3
	}
	if c.Engine.PersistBackoffMs == 0 {
		c.Engine.PersistBackoffMs = 200
	}
	if c.Broker.RestBaseURL == "" {
		if c.Broker.Sandbox {
			c.Broker.RestBaseURL = SandboxBaseURL
		} else {
			c.Broker.RestBaseURL = ProductionBaseURL
		}
	}
	if c.Broker.StreamURL == "" {
		c.Broker.StreamURL = StreamURL
	}
	if c.Broker.HTTPTimeoutSec == 0 {
		c.Broker.HTTPTimeoutSec = 10
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageCSV
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data"
	}
	if c.Storage.LockTakeover == nil {
		enabled := true
		c.Storage.LockTakeover = &enabled
	}
	if c.Storage.LockStaleSec == 0 {
		c.Storage.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.File == "" {
		c.Observability.Log.File = "logs/bot.log"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModeReplay:
	default:
		return fmt.Errorf("mode must be live or replay")
	}
	switch c.TradeMode {
	case TradeModeTest, TradeModeTrade:
	default:
		return fmt.Errorf("trade_mode must be test or trade")
	}
	if c.Mode == ModeReplay && c.TradeMode == TradeModeTrade {
		return fmt.Errorf("trade_mode trade is not allowed in replay mode")
	}
	seen := make(map[string]struct{}, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.FIGI == "" {
			return fmt.Errorf("instruments[%d].figi is required", i)
		}
		if _, ok := seen[inst.FIGI]; ok {
			return fmt.Errorf("instruments[%d].figi %s is duplicated", i, inst.FIGI)
		}
		seen[inst.FIGI] = struct{}{}
	}
	if err := c.GridParams().Validate(); err != nil {
		return fmt.Errorf("grid %v", err)
	}
	if c.Engine.UpdateIntervalSec < 1 || c.Engine.UpdateIntervalSec > 3600 {
		return fmt.Errorf("engine.update_interval_sec must be between 1 and 3600")
	}
	if c.Engine.QuoteTimeoutSec < 1 || c.Engine.QuoteTimeoutSec > 120 {
		return fmt.Errorf("engine.quote_timeout_sec must be between 1 and 120")
	}
	switch c.Engine.PriceSource {
	case PriceSourceREST, PriceSourceStream:
	default:
		return fmt.Errorf("engine.price_source must be rest or stream")
	}
	if c.Engine.InitialCash.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("engine.initial_cash must be >= 0")
	}
	if c.Engine.PersistAttempts < 1 || c.Engine.PersistAttempts > 20 {
		return fmt.Errorf("engine.persist_attempts must be between 1 and 20")
	}
	if c.Engine.PersistBackoffMs < 0 || c.Engine.PersistBackoffMs > 60000 {
		return fmt.Errorf("engine.persist_backoff_ms must be between 0 and 60000")
	}
	switch c.Storage.Type {
	case StorageCSV, StoragePebble:
	default:
		return fmt.Errorf("storage.type must be csv or pebble")
	}
	if c.Storage.LockStaleSec < 0 || c.Storage.LockStaleSec > 86400 {
		return fmt.Errorf("storage.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
	}
	switch c.Observability.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log.level must be debug, info, warn or error")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.Mode == ModeReplay && c.Replay.DataPath == "" {
		return fmt.Errorf("replay.data_path is required for replay mode")
	}
	if c.Mode == ModeLive {
		if c.Broker.Token == "" {
			return fmt.Errorf("broker.token (TINKOFF_API_TOKEN) is required for live mode")
		}
		if c.Broker.HTTPTimeoutSec < 1 || c.Broker.HTTPTimeoutSec > 120 {
			return fmt.Errorf("broker.http_timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Broker.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("broker.rest_base_url %v", err)
		}
		if c.Engine.PriceSource == PriceSourceStream {
			if err := validateURL(c.Broker.StreamURL, "ws", "wss"); err != nil {
				return fmt.Errorf("broker.stream_url %v", err)
			}
		}
	}
	return nil
}

func (c Config) GridParams() grid.Params {
	return grid.Params{Size: c.Grid.Size, Step: c.Grid.Step.Decimal}
}

func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.Engine.UpdateIntervalSec) * time.Second
}

func (c Config) QuoteTimeout() time.Duration {
	return time.Duration(c.Engine.QuoteTimeoutSec) * time.Second
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
