package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultProviderType    = "openai"
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultModel           = "gpt-4o-mini"
	DefaultMaxTokens       = 2000
	DefaultMaxInputTokens  = 8000
	DefaultChunkMaxTokens  = 3600
	DefaultMaxChunks       = 10
	DefaultBufSize         = 100
	DefaultTriggerPrefix   = "$"
	DefaultImageWorkers    = 5
	DefaultImageMaxPending = 20
	DefaultStoreDriver     = "sqlite"
	DefaultFirecrawlURL    = "https://api.firecrawl.dev/v1/scrape"
	DefaultRenderURL       = "https://fireflycard-api.302ai.cn/api/saveImg"
	DefaultLinkMaxWords    = 8000
	DefaultLinkPrompt      = "请总结下面引号内的文档内容。\n\n"
	DefaultSyncInterval    = 3
	DefaultLogLevel        = "info"
	DefaultMultimodalModel = "GLM-4V-Flash"

	SummaryModeDirect = "direct"
	SummaryModeRelay  = "relay"
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Multimodal MultimodalConfig `json:"multimodal"`
	Store      StoreConfig      `json:"store"`
	Trigger    TriggerConfig    `json:"trigger"`
	Summary    SummaryConfig    `json:"summary"`
	LinkSum    LinkSumConfig    `json:"linkSum"`
	Hello      HelloConfig      `json:"hello"`
	GroupCast  GroupCastConfig  `json:"groupCast"`
	Channels   ChannelsConfig   `json:"channels"`
	Schedules  []ScheduleConfig `json:"schedules,omitempty"`
	Log        LogConfig        `json:"log"`
}

type ProviderConfig struct {
	Type      string `json:"type,omitempty"` // "openai" (default) or "anthropic", used for default replies
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type MultimodalConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Enabled reports whether image description can run.
func (m MultimodalConfig) Enabled() bool {
	return m.BaseURL != "" && m.Model != "" && m.APIKey != ""
}

type StoreConfig struct {
	Driver string `json:"driver,omitempty"` // sqlite | postgres | mysql
	DSN    string `json:"dsn,omitempty"`
	Path   string `json:"path,omitempty"` // sqlite file
}

type TriggerConfig struct {
	GroupChatPrefix     []string `json:"groupChatPrefix,omitempty"`
	GroupChatKeyword    []string `json:"groupChatKeyword,omitempty"`
	GroupAtOff          bool     `json:"groupAtOff,omitempty"`
	SingleChatPrefix    []string `json:"singleChatPrefix,omitempty"`
	PluginTriggerPrefix string   `json:"pluginTriggerPrefix,omitempty"`
}

type SummaryConfig struct {
	Enabled         bool   `json:"enabled"`
	MaxTokens       int    `json:"maxTokens,omitempty"`
	MaxInputTokens  int    `json:"maxInputTokens,omitempty"`
	ChunkMaxTokens  int    `json:"chunkMaxTokens,omitempty"`
	MaxChunks       int    `json:"maxChunks,omitempty"`
	Password        string `json:"password,omitempty"`
	SummaryPrompt   string `json:"summaryPrompt,omitempty"`
	ImagePrompt     string `json:"imagePrompt,omitempty"`
	Mode            string `json:"mode,omitempty"` // direct | relay
	ImageWorkers    int    `json:"imageWorkers,omitempty"`
	ImageMaxPending int    `json:"imageMaxPending,omitempty"`
	ScratchDir      string `json:"scratchDir,omitempty"`
}

type LinkSumConfig struct {
	Enabled          bool     `json:"enabled"`
	FirecrawlURL     string   `json:"firecrawlUrl,omitempty"`
	FirecrawlAPIKey  string   `json:"firecrawlApiKey,omitempty"`
	RenderURL        string   `json:"renderUrl,omitempty"`
	MaxWords         int      `json:"maxWords,omitempty"`
	Prompt           string   `json:"prompt,omitempty"`
	WhiteURLList     []string `json:"whiteUrlList,omitempty"`
	BlackURLList     []string `json:"blackUrlList,omitempty"`
	BlackGroupList   []string `json:"blackGroupList,omitempty"`
	GenerateImage    bool     `json:"generateImage"`
	RenderWatermark  string   `json:"renderWatermark,omitempty"`
	RenderIconURL    string   `json:"renderIconUrl,omitempty"`
	RenderQRCodeURL  string   `json:"renderQrCodeUrl,omitempty"`
	RenderQRCodeText string   `json:"renderQrCodeText,omitempty"`
}

type HelloConfig struct {
	Enabled            bool              `json:"enabled"`
	HiPrompt           string            `json:"hiPrompt,omitempty"`
	HiKeywords         []string          `json:"hiKeywords,omitempty"`
	GroupWelcomePrompt string            `json:"groupWelcomePrompt,omitempty"`
	GroupExitPrompt    string            `json:"groupExitPrompt,omitempty"`
	PatPatPrompt       string            `json:"patpatPrompt,omitempty"`
	GroupWelcomeFixed  map[string]string `json:"groupWelcomeFixedMsg,omitempty"`
	GroupWelcomeMsg    string            `json:"groupWelcomeMsg,omitempty"`
	GroupExitMsg       string            `json:"groupExitMsg,omitempty"`
	GroupChatExitGroup bool              `json:"groupChatExitGroup,omitempty"`
}

type GroupCastConfig struct {
	Enabled          bool                  `json:"enabled"`
	SyncInterval     int                   `json:"syncInterval,omitempty"` // seconds
	IgnoreAtBotMsg   bool                  `json:"ignoreAtBotMsg"`
	IsPrefixForMedia bool                  `json:"isPrefixForMedia"`
	QueueSize        int                   `json:"queueSize,omitempty"`
	ShareGroups      map[string]ShareGroup `json:"shareGroups,omitempty"`
	KnownGroups      []KnownGroup          `json:"knownGroups,omitempty"`
}

type ShareGroup struct {
	Enable            bool     `json:"enable"`
	GroupNameKeywords []string `json:"groupNameKeywords"`
}

type KnownGroup struct {
	Channel string `json:"channel,omitempty"`
	ID      string `json:"id"`
	Name    string `json:"name"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
	MediaDir  string   `json:"mediaDir,omitempty"`
}

// ScheduleConfig posts a digest of SessionID to ChatID on Expr.
type ScheduleConfig struct {
	Name      string `json:"name"`
	Expr      string `json:"expr"`
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	ChatID    string `json:"chatId"`
	Args      string `json:"args,omitempty"`
	Enabled   bool   `json:"enabled"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:      DefaultProviderType,
			BaseURL:   DefaultBaseURL,
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   filepath.Join(ConfigDir(), "data", "chat.db"),
		},
		Trigger: TriggerConfig{
			SingleChatPrefix:    []string{""},
			PluginTriggerPrefix: DefaultTriggerPrefix,
		},
		Summary: SummaryConfig{
			Enabled:         true,
			MaxTokens:       DefaultMaxTokens,
			MaxInputTokens:  DefaultMaxInputTokens,
			ChunkMaxTokens:  DefaultChunkMaxTokens,
			MaxChunks:       DefaultMaxChunks,
			Mode:            SummaryModeDirect,
			ImageWorkers:    DefaultImageWorkers,
			ImageMaxPending: DefaultImageMaxPending,
		},
		LinkSum: LinkSumConfig{
			FirecrawlURL:  DefaultFirecrawlURL,
			RenderURL:     DefaultRenderURL,
			MaxWords:      DefaultLinkMaxWords,
			Prompt:        DefaultLinkPrompt,
			BlackURLList:  []string{"https://support.weixin.qq.com", "https://channels-aladin.wxqcloud.qq.com"},
			GenerateImage: true,
		},
		Hello: HelloConfig{
			Enabled:    true,
			HiKeywords: []string{"hello", "hi", "你好", "哈喽"},
		},
		GroupCast: GroupCastConfig{
			SyncInterval:     DefaultSyncInterval,
			IgnoreAtBotMsg:   true,
			IsPrefixForMedia: true,
			QueueSize:        DefaultBufSize,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatsum")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CHATSUM_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CHATSUM_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CHATSUM_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := os.Getenv("CHATSUM_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if driver := os.Getenv("CHATSUM_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("CHATSUM_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	// POSTGRES_URL selects the networked store when nothing else did.
	if dsn := os.Getenv("POSTGRES_URL"); dsn != "" && cfg.Store.DSN == "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = dsn
	}
	if key := os.Getenv("CHATSUM_MULTIMODAL_API_KEY"); key != "" {
		cfg.Multimodal.APIKey = key
	}
	if key := os.Getenv("CHATSUM_FIRECRAWL_API_KEY"); key != "" {
		cfg.LinkSum.FirecrawlAPIKey = key
	}
	if level := os.Getenv("CHATSUM_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Multimodal.BaseURL != "" && cfg.Multimodal.Model == "" {
		cfg.Multimodal.Model = DefaultMultimodalModel
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Trigger.PluginTriggerPrefix == "" {
		cfg.Trigger.PluginTriggerPrefix = DefaultTriggerPrefix
	}
	if cfg.Summary.MaxTokens <= 0 {
		cfg.Summary.MaxTokens = DefaultMaxTokens
	}
	if cfg.Summary.MaxInputTokens <= 0 {
		cfg.Summary.MaxInputTokens = DefaultMaxInputTokens
	}
	if cfg.Summary.ChunkMaxTokens <= 0 {
		cfg.Summary.ChunkMaxTokens = DefaultChunkMaxTokens
	}
	if cfg.Summary.MaxChunks <= 0 {
		cfg.Summary.MaxChunks = DefaultMaxChunks
	}
	if cfg.Summary.Mode == "" {
		cfg.Summary.Mode = SummaryModeDirect
	}
	if cfg.Summary.ImageWorkers <= 0 {
		cfg.Summary.ImageWorkers = DefaultImageWorkers
	}
	if cfg.Summary.ImageMaxPending <= 0 {
		cfg.Summary.ImageMaxPending = DefaultImageMaxPending
	}
	if cfg.LinkSum.FirecrawlURL == "" {
		cfg.LinkSum.FirecrawlURL = DefaultFirecrawlURL
	}
	if cfg.LinkSum.RenderURL == "" {
		cfg.LinkSum.RenderURL = DefaultRenderURL
	}
	if cfg.LinkSum.MaxWords <= 0 {
		cfg.LinkSum.MaxWords = DefaultLinkMaxWords
	}
	if cfg.LinkSum.Prompt == "" {
		cfg.LinkSum.Prompt = DefaultLinkPrompt
	}
	if len(cfg.Hello.HiKeywords) == 0 {
		cfg.Hello.HiKeywords = def.Hello.HiKeywords
	}
	if cfg.GroupCast.SyncInterval <= 0 {
		cfg.GroupCast.SyncInterval = DefaultSyncInterval
	}
	if cfg.GroupCast.QueueSize <= 0 {
		cfg.GroupCast.QueueSize = DefaultBufSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// Validate reports configuration that would make the gateway unusable.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		errs = append(errs, errors.New("provider.apiKey is required"))
	}
	if c.Multimodal.BaseURL != "" && strings.TrimSpace(c.Multimodal.APIKey) == "" {
		errs = append(errs, errors.New("multimodal.apiKey is required when multimodal.baseUrl is set"))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver != "sqlite" && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
	}
	switch c.Summary.Mode {
	case SummaryModeDirect, SummaryModeRelay:
	default:
		errs = append(errs, fmt.Errorf("summary.mode %q is not supported", c.Summary.Mode))
	}
	return errors.Join(errs...)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0644)
}
