package plugin

import (
	"strings"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
)

// Trigger decides whether a message is addressed to the bot.
type Trigger struct {
	cfg config.TriggerConfig
}

func NewTrigger(cfg config.TriggerConfig) *Trigger {
	if cfg.PluginTriggerPrefix == "" {
		cfg.PluginTriggerPrefix = config.DefaultTriggerPrefix
	}
	return &Trigger{cfg: cfg}
}

// Matches applies the group rules (prefix, keyword, @-mention unless turned
// off) or the private prefix rule.
func (t *Trigger) Matches(msg bus.InboundMessage) bool {
	if msg.IsGroup {
		if _, ok := MatchPrefix(msg.Content, t.cfg.GroupChatPrefix); ok {
			return true
		}
		if _, ok := MatchKeyword(msg.Content, t.cfg.GroupChatKeyword); ok {
			return true
		}
		return msg.IsAt && !t.cfg.GroupAtOff
	}
	_, ok := MatchPrefix(msg.Content, t.cfg.SingleChatPrefix)
	return ok
}

// Strip removes the matched group or private prefix from the content of an
// addressed message.
func (t *Trigger) Strip(msg bus.InboundMessage) string {
	prefixes := t.cfg.SingleChatPrefix
	if msg.IsGroup {
		prefixes = t.cfg.GroupChatPrefix
	}
	if p, ok := MatchPrefix(msg.Content, prefixes); ok && p != "" {
		return strings.TrimSpace(strings.TrimPrefix(msg.Content, p))
	}
	return strings.TrimSpace(msg.Content)
}

// PluginPrefix is the prefix of plugin commands such as "$总结".
func (t *Trigger) PluginPrefix() string { return t.cfg.PluginTriggerPrefix }

// Command splits content into a plugin command word and its arguments. It
// reports false when content does not start with the plugin prefix.
func (t *Trigger) Command(content string) (string, []string, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], t.cfg.PluginTriggerPrefix) {
		return "", nil, false
	}
	return strings.TrimPrefix(fields[0], t.cfg.PluginTriggerPrefix), fields[1:], true
}

// MatchPrefix returns the first prefix content starts with. An empty prefix
// matches everything.
func MatchPrefix(content string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return p, true
		}
	}
	return "", false
}

// MatchKeyword returns the first non-empty keyword content contains.
func MatchKeyword(content string, keywords []string) (string, bool) {
	for _, k := range keywords {
		if k != "" && strings.Contains(content, k) {
			return k, true
		}
	}
	return "", false
}
