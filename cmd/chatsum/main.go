package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/gateway"
	"github.com/stellarlinkco/chatsum/internal/llm"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/store"
	"github.com/stellarlinkco/chatsum/internal/summary"
)

var version = "dev"

const apiKeyHint = "API key not set. Run 'chatsum onboard' or set CHATSUM_API_KEY / OPENAI_API_KEY"

var rootCmd = &cobra.Command{
	Use:           "chatsum",
	Short:         "chatsum - chat history summaries and link digests for group chats",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the bot (channels + plugins + scheduled digests)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and stored sessions",
	RunE:  runStatus,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <session> [args...]",
	Short: "Summarize a stored session from the command line",
	Long: "Summarize a stored session. <session> is a session id or name; the remaining\n" +
		"arguments use the chat command syntax, e.g. \"chatsum summarize 开发群 -2h 200\".",
	Args: cobra.MinimumNArgs(1),
	RunE: runSummarize,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "chatsum", version)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, summarizeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" {
		return errors.New(apiKeyHint)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and Telegram bot token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CHATSUM_API_KEY and CHATSUM_TELEGRAM_TOKEN")
	fmt.Fprintln(out, "  3. Run 'chatsum gateway'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s (%s)\n", cfg.Provider.Type, cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	if cfg.Multimodal.Enabled() {
		fmt.Fprintf(out, "Multimodal: %s\n", cfg.Multimodal.Model)
	} else {
		fmt.Fprintln(out, "Multimodal: not configured")
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Plugins: summary=%v linksum=%v hello=%v groupcast=%v\n",
		cfg.Summary.Enabled, cfg.LinkSum.Enabled, cfg.Hello.Enabled, cfg.GroupCast.Enabled)
	fmt.Fprintf(out, "Schedules: %d\n", len(cfg.Schedules))
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	sessions, err := st.Sessions(ctx)
	if err != nil {
		fmt.Fprintf(out, "Sessions: error (%v)\n", err)
		return nil
	}
	printSessions(out, sessions)
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" {
		return errors.New(apiKeyHint)
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	text, err := summarizeSession(ctx, cfg, st, args[0], args[1:])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

// summarizeSession resolves target by id or name and summarizes it with the
// configured provider.
func summarizeSession(ctx context.Context, cfg *config.Config, st *store.Store, target string, args []string) (string, error) {
	id, ok, err := st.ResolveSession(ctx, target)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("session %q not found", target)
	}

	maxTokens := cfg.Summary.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.Provider.MaxTokens
	}
	client := llm.New(llm.Options{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		MaxTokens: maxTokens,
	})
	sum := summary.NewSummarizer(st, client, summary.Options{
		MaxInputTokens: cfg.Summary.MaxInputTokens,
		ChunkMaxTokens: cfg.Summary.ChunkMaxTokens,
		MaxChunks:      cfg.Summary.MaxChunks,
		Prompt:         cfg.Summary.SummaryPrompt,
	})
	text, err := sum.Summarize(ctx, summary.Request{SessionID: id, Args: args})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", id, err)
	}
	return text, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Path:   cfg.Store.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func printSessions(w io.Writer, sessions []store.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "Sessions: none")
		return
	}
	fmt.Fprintf(w, "Sessions: %d\n", len(sessions))
	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = "(private)"
		}
		last := time.Unix(s.Last, 0).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "  %-20s %-24s %6d  %s\n", s.ID, name, s.Records, last)
	}
}

func maskKey(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
