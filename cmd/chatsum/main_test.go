package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/store"
)

// isolate points HOME at a temp dir and clears the env overrides.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	for _, k := range []string{
		"CHATSUM_API_KEY", "OPENAI_API_KEY", "CHATSUM_BASE_URL", "CHATSUM_MODEL",
		"CHATSUM_STORE_DRIVER", "CHATSUM_STORE_DSN", "POSTGRES_URL", "CHATSUM_TELEGRAM_TOKEN",
	} {
		t.Setenv(k, "")
	}
	return tmpDir
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"  ", "not set"},
		{"short", "set"},
		{"sk-test-key-12345678", "sk-t...5678"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestRunOnboard(t *testing.T) {
	isolate(t)

	cmd, buf := testCommand()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if !strings.Contains(buf.String(), "Created config") {
		t.Errorf("output = %q", buf.String())
	}

	data, err := os.ReadFile(config.ConfigPath())
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("config is not JSON: %v", err)
	}
	if !cfg.Summary.Enabled || cfg.Trigger.PluginTriggerPrefix != config.DefaultTriggerPrefix {
		t.Errorf("unexpected defaults: %+v", cfg.Summary)
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	isolate(t)
	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.ConfigPath(), []byte(`{"provider":{"apiKey":"keep"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, buf := testCommand()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if !strings.Contains(buf.String(), "Config already exists") {
		t.Errorf("output = %q", buf.String())
	}
	data, _ := os.ReadFile(config.ConfigPath())
	if !strings.Contains(string(data), "keep") {
		t.Error("existing config was overwritten")
	}
}

func TestRunStatus(t *testing.T) {
	isolate(t)

	cmd, buf := testCommand()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"API Key: not set", "Multimodal: not configured", "Store: sqlite", "Sessions: none"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatus_WithSessions(t *testing.T) {
	isolate(t)
	t.Setenv("CHATSUM_API_KEY", "sk-test-key-12345678")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	seed(t, cfg.Store.Path)

	cmd, buf := testCommand()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "sk-t...5678") {
		t.Errorf("key not masked:\n%s", out)
	}
	if !strings.Contains(out, "Sessions: 1") || !strings.Contains(out, "开发群") {
		t.Errorf("sessions not listed:\n%s", out)
	}
}

func TestRunGateway_NoAPIKey(t *testing.T) {
	isolate(t)

	cmd, _ := testCommand()
	err := runGateway(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("err = %v", err)
	}
}

func TestRunSummarize_NoAPIKey(t *testing.T) {
	isolate(t)

	cmd, _ := testCommand()
	if err := runSummarize(cmd, []string{"开发群"}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestRunSummarize(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "m",
			"choices": []map[string]any{{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": "今天讨论了发布计划"},
			}},
		})
	}))
	defer srv.Close()
	t.Setenv("CHATSUM_API_KEY", "sk-test")
	t.Setenv("CHATSUM_BASE_URL", srv.URL)

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	seed(t, cfg.Store.Path)

	cmd, buf := testCommand()
	if err := runSummarize(cmd, []string{"开发群", "-2h"}); err != nil {
		t.Fatalf("runSummarize error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "今天讨论了发布计划" {
		t.Errorf("output = %q", got)
	}

	if err := runSummarize(cmd, []string{"没有这个群"}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "chatsum "+version {
		t.Errorf("output = %q", got)
	}
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, []store.SessionInfo{
		{ID: "-100", Name: "开发群", Records: 12, Last: time.Now().Unix()},
		{ID: "42", Records: 3, Last: time.Now().Unix()},
	})
	out := buf.String()
	if !strings.Contains(out, "Sessions: 2") || !strings.Contains(out, "(private)") {
		t.Errorf("output = %q", out)
	}
}

// seed writes two group messages into the sqlite file at path.
func seed(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	now := time.Now()
	for i, c := range []string{"下周一发布", "我来写发布说明"} {
		err := st.Insert(ctx, store.Record{
			SessionID:   "-100",
			SessionName: "开发群",
			MsgID:       int64(i + 1),
			SenderID:    "u1",
			Sender:      "alice",
			Content:     c,
			Type:        "text",
			Timestamp:   now.Add(-time.Duration(10-i) * time.Minute).Unix(),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}
