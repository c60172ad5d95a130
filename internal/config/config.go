package config

import (
	"encoding/base64"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	Sync           SyncConfig
}

// SyncConfig holds the engine tunables. Every field can be overridden from
// the environment; unset fields keep DefaultSyncConfig values.
type SyncConfig struct {
	SeenBatchCap     int           `env:"GROUPSYNC_SEEN_BATCH_CAP" validate:"min=1"`
	JoinPageSize     int           `env:"GROUPSYNC_JOIN_PAGE_SIZE" validate:"min=1"`
	HistoryPageSize  int           `env:"GROUPSYNC_HISTORY_PAGE_SIZE" validate:"min=1"`
	MaxHistoryPage   int           `env:"GROUPSYNC_MAX_HISTORY_PAGE" validate:"min=1,gtefield=HistoryPageSize"`
	SeenPreviewSize  int           `env:"GROUPSYNC_SEEN_PREVIEW_SIZE" validate:"min=0"`
	StoreTimeout     time.Duration `env:"GROUPSYNC_STORE_TIMEOUT" validate:"min=1ms"`
	UnreadWorkers    int           `env:"GROUPSYNC_UNREAD_WORKERS" validate:"min=1"`
	ClientSendBuffer int           `env:"GROUPSYNC_CLIENT_SEND_BUFFER" validate:"min=1"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		SeenBatchCap:     200,
		JoinPageSize:     50,
		HistoryPageSize:  20,
		MaxHistoryPage:   100,
		SeenPreviewSize:  3,
		StoreTimeout:     5 * time.Second,
		UnreadWorkers:    8,
		ClientSendBuffer: 256,
	}
}

var validate = validator.New()

// LoadSyncConfig overlays environment values on the defaults.
func LoadSyncConfig() (SyncConfig, error) {
	cfg := DefaultSyncConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return SyncConfig{}, fmt.Errorf("read environment: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return SyncConfig{}, fmt.Errorf("invalid sync config: %w", err)
	}

	return cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	syncCfg, err := LoadSyncConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Sync:           syncCfg,
	}, nil
}
