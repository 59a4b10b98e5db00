package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	applyVenueEnv(&cfg.Venues.A)
	applyVenueEnv(&cfg.Venues.B)

	if v := os.Getenv("DN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := envFloat("DN_NOTIONAL_USD"); ok {
		cfg.Strategy.NotionalUSD = v
	}
	if v, ok := envInt("DN_MAX_ACTIVE_POSITIONS"); ok {
		cfg.Strategy.MaxActivePositions = v
	}
	if v := os.Getenv("DN_SQLITE_PATH"); v != "" {
		cfg.State.SQLitePath = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func applyVenueEnv(v *VenueConfig) {
	prefix := v.EnvPrefix
	if prefix == "" {
		return
	}
	v.WalletAddress = strings.TrimSpace(os.Getenv(prefix + "_WALLET_ADDRESS"))
	v.PrivateKey = strings.TrimSpace(os.Getenv(prefix + "_PRIVATE_KEY"))
	v.AccountAddress = strings.TrimSpace(os.Getenv(prefix + "_ACCOUNT_ADDRESS"))
	v.VaultAddress = strings.TrimSpace(os.Getenv(prefix + "_VAULT_ADDRESS"))
	if url := os.Getenv(prefix + "_REST_URL"); url != "" {
		v.REST.BaseURL = url
	}
	if url := os.Getenv(prefix + "_WS_URL"); url != "" {
		v.WS.URL = url
	}
}

func envFloat(key string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
