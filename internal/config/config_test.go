package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	for _, key := range []string{
		"CHATSUM_API_KEY", "OPENAI_API_KEY", "CHATSUM_BASE_URL", "CHATSUM_MODEL",
		"CHATSUM_TELEGRAM_TOKEN", "CHATSUM_STORE_DRIVER", "CHATSUM_STORE_DSN",
		"POSTGRES_URL", "CHATSUM_MULTIMODAL_API_KEY", "CHATSUM_FIRECRAWL_API_KEY",
		"CHATSUM_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	return tmpDir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultModel, cfg.Provider.Model)
	assert.Equal(t, DefaultBaseURL, cfg.Provider.BaseURL)
	assert.Equal(t, DefaultMaxInputTokens, cfg.Summary.MaxInputTokens)
	assert.Equal(t, DefaultImageWorkers, cfg.Summary.ImageWorkers)
	assert.Equal(t, DefaultImageMaxPending, cfg.Summary.ImageMaxPending)
	assert.Equal(t, "$", cfg.Trigger.PluginTriggerPrefix)
	assert.Equal(t, []string{""}, cfg.Trigger.SingleChatPrefix)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.GroupCast.IgnoreAtBotMsg)
	assert.True(t, cfg.LinkSum.GenerateImage)
	assert.Len(t, cfg.LinkSum.BlackURLList, 2)
}

func TestLoadConfig_NoFile(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, cfg.Provider.Model)
	assert.Contains(t, cfg.Store.Path, ".chatsum")
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := isolate(t)

	cfgDir := filepath.Join(tmpDir, ".chatsum")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))

	raw := map[string]any{
		"provider": map[string]any{"apiKey": "sk-file", "model": "gpt-4o"},
		"summary":  map[string]any{"enabled": true, "maxInputTokens": 100, "password": "pw"},
		"store":    map[string]any{"driver": "mysql", "dsn": "u:p@tcp(db:3306)/chat"},
		"groupCast": map[string]any{
			"enabled": true,
			"shareGroups": map[string]any{
				"tech": map[string]any{"enable": true, "groupNameKeywords": []string{"Go"}},
			},
		},
	}
	data, _ := json.Marshal(raw)
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Provider.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.Equal(t, 100, cfg.Summary.MaxInputTokens)
	assert.Equal(t, DefaultChunkMaxTokens, cfg.Summary.ChunkMaxTokens)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, []string{"Go"}, cfg.GroupCast.ShareGroups["tech"].GroupNameKeywords)
	assert.Equal(t, DefaultSyncInterval, cfg.GroupCast.SyncInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := isolate(t)
	cfgDir := filepath.Join(tmpDir, ".chatsum")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{nope"), 0644))

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("CHATSUM_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/chat")
	t.Setenv("CHATSUM_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Provider.APIKey)
	assert.Equal(t, "tg-token", cfg.Channels.Telegram.Token)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/chat", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_ExplicitKeyWinsOverOpenAI(t *testing.T) {
	isolate(t)
	t.Setenv("CHATSUM_API_KEY", "sk-primary")
	t.Setenv("OPENAI_API_KEY", "sk-secondary")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-primary", cfg.Provider.APIKey)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.apiKey")

	cfg.Provider.APIKey = "sk"
	cfg.Multimodal.BaseURL = "https://open.bigmodel.cn/api/paas/v4"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multimodal.apiKey")

	cfg.Multimodal.APIKey = "mm"
	cfg.Store.Driver = "oracle"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")

	cfg.Store.Driver = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "store.dsn")

	cfg.Store.DSN = "postgres://localhost/chat"
	assert.NoError(t, cfg.Validate())
}

func TestMultimodalEnabled(t *testing.T) {
	assert.False(t, MultimodalConfig{}.Enabled())
	assert.False(t, MultimodalConfig{BaseURL: "x", Model: "m"}.Enabled())
	assert.True(t, MultimodalConfig{BaseURL: "x", Model: "m", APIKey: "k"}.Enabled())
}

func TestSaveConfig(t *testing.T) {
	isolate(t)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-save"
	require.NoError(t, SaveConfig(cfg))

	loaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-save", loaded.Provider.APIKey)
}
