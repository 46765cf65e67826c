package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// LoadDotEnv exports the variables of a .env file that are not already set
// in the process environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	for key, value := range vars {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// applyEnv overrides file values with the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("TINKOFF_API_TOKEN"); ok {
		c.Broker.Token = v
	}
	if v, ok := get("TINKOFF_ACCOUNT_ID"); ok {
		c.Broker.AccountID = v
	}
	if v, ok := get("TINKOFF_SANDBOX_MODE"); ok {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("TINKOFF_SANDBOX_MODE: %w", err)
		}
		c.Broker.Sandbox = b
	}
	if v, ok := get("TRADE_MODE"); ok {
		c.TradeMode = TradeMode(v)
	}
	if v, ok := get("STORAGE_TYPE"); ok {
		c.Storage.Type = v
	}
	if v, ok := get("DATA_FOLDER"); ok {
		c.Storage.Dir = v
	}
	if v, ok := get("UPDATE_INTERVAL"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("UPDATE_INTERVAL: %w", err)
		}
		c.Engine.UpdateIntervalSec = n
	}
	if v, ok := get("GRID_STEP"); ok {
		step, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("GRID_STEP: %w", err)
		}
		c.Grid.Step = Decimal{step}
	}
	if v, ok := get("GRID_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRID_SIZE: %w", err)
		}
		c.Grid.Size = n
	}
	token, hasToken := get("TELEGRAM_BOT_TOKEN")
	chat, hasChat := get("TELEGRAM_CHAT_ID")
	if hasToken {
		c.Observability.Telegram.BotToken = token
	}
	if hasChat {
		c.Observability.Telegram.ChatID = chat
	}
	if hasToken && hasChat {
		c.Observability.Telegram.Enabled = true
	}
	return nil
}
