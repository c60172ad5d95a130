package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name string
		addr string
		dsn  string
		key  string
		orig []string
		err  bool
	}{
		{
			name: "valid config",
			addr: addr,
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  false,
		},
		{
			name: "empty address",
			addr: "",
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty DSN",
			addr: addr,
			dsn:  "",
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty signing key",
			addr: addr,
			dsn:  dsn,
			key:  "",
			orig: orig,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.addr, tc.dsn, tc.key, tc.orig)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, tc.orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.NotEmpty(t, config.SigningKey, "expected signing key to be decoded and not empty")
			assert.Equal(t, DefaultSyncConfig(), config.Sync, "expected default sync settings")
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=", //
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func TestLoadSyncConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadSyncConfig()
		require.NoError(t, err)
		assert.Equal(t, 200, cfg.SeenBatchCap)
		assert.Equal(t, 50, cfg.JoinPageSize)
		assert.Equal(t, 20, cfg.HistoryPageSize)
		assert.Equal(t, 3, cfg.SeenPreviewSize)
		assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("GROUPSYNC_SEEN_BATCH_CAP", "10")
		t.Setenv("GROUPSYNC_STORE_TIMEOUT", "250ms")

		cfg, err := LoadSyncConfig()
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.SeenBatchCap)
		assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
		assert.Equal(t, 50, cfg.JoinPageSize, "expected unset values to keep their default")
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		t.Setenv("GROUPSYNC_UNREAD_WORKERS", "0")

		_, err := LoadSyncConfig()
		assert.Error(t, err)
	})

	t.Run("rejects history cap below page size", func(t *testing.T) {
		t.Setenv("GROUPSYNC_MAX_HISTORY_PAGE", "5")

		_, err := LoadSyncConfig()
		assert.Error(t, err)
	})
}
