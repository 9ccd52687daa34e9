// Package hello answers greetings and group membership events.
package hello

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/plugin"
)

const (
	PluginName     = "hello"
	PluginPriority = -1

	DefaultHiPrompt      = "你好！"
	DefaultWelcomePrompt = "请你随机使用一种风格说一句问候语来欢迎新用户\"{nickname}\"加入群聊。"
	DefaultExitPrompt    = "请你随机使用一种风格介绍你自己，并告诉用户输入#help可以查看帮助信息。"
	DefaultPatPatPrompt  = "请你随机使用一种风格跟其他群用户说他违反规则\"{nickname}\"退出群聊。"

	nicknamePlaceholder = "{nickname}"
	timeLayout          = "2006-01-02 15:04:05"
)

type Plugin struct {
	cfg      config.HelloConfig
	keywords []string
	now      func() time.Time
}

func New(cfg config.HelloConfig) *Plugin {
	if cfg.HiPrompt == "" {
		cfg.HiPrompt = DefaultHiPrompt
	}
	if cfg.GroupWelcomePrompt == "" {
		cfg.GroupWelcomePrompt = DefaultWelcomePrompt
	}
	if cfg.GroupExitPrompt == "" {
		cfg.GroupExitPrompt = DefaultExitPrompt
	}
	if cfg.PatPatPrompt == "" {
		cfg.PatPatPrompt = DefaultPatPatPrompt
	}
	keywords := make([]string, 0, len(cfg.HiKeywords))
	for _, k := range cfg.HiKeywords {
		keywords = append(keywords, strings.ToLower(k))
	}
	return &Plugin{cfg: cfg, keywords: keywords, now: time.Now}
}

func (p *Plugin) Name() string  { return PluginName }
func (p *Plugin) Priority() int { return PluginPriority }
func (p *Plugin) Hidden() bool  { return true }

func (p *Plugin) HelpText(verbose bool) string {
	return fmt.Sprintf("输入[%s]，我会回复：%s\n", strings.Join(p.keywords, "|"), p.cfg.HiPrompt)
}

func (p *Plugin) OnHandle(ctx context.Context, ev *plugin.Event) {
	nickname := ev.Msg.SenderName
	switch ev.Kind {
	case bus.KindJoinGroup:
		if fixed, ok := p.cfg.GroupWelcomeFixed[ev.Msg.ChatName]; ok {
			ev.Respond(plugin.ReplyText, fixed)
			return
		}
		if p.cfg.GroupWelcomeMsg != "" {
			ev.Respond(plugin.ReplyText, p.cfg.GroupWelcomeMsg)
			return
		}
		ev.Rewrite(p.prompt(p.cfg.GroupWelcomePrompt, nickname))

	case bus.KindExitGroup:
		switch {
		case p.cfg.GroupExitMsg != "":
			ev.Respond(plugin.ReplyText, p.cfg.GroupExitMsg)
		case p.cfg.GroupChatExitGroup:
			ev.Rewrite(p.prompt(p.cfg.GroupExitPrompt, nickname))
		default:
			ev.Action = plugin.Break
		}

	case bus.KindPatPat:
		ev.Rewrite(p.prompt(p.cfg.PatPatPrompt, nickname))

	case bus.KindText:
		if !ev.Addressed {
			return
		}
		log.Debugf("[hello] content: %s", ev.Content)
		if p.isGreeting(ev.Content) {
			ev.Respond(plugin.ReplyText, p.cfg.HiPrompt)
		}
	}
}

func (p *Plugin) isGreeting(content string) bool {
	content = strings.ToLower(content)
	for _, k := range p.keywords {
		if content == k {
			return true
		}
	}
	return false
}

// prompt fills in the nickname and appends the current time.
func (p *Plugin) prompt(tpl, nickname string) string {
	text := strings.ReplaceAll(tpl, nicknamePlaceholder, nickname)
	return fmt.Sprintf("%s 当前时间是%s。", text, p.now().Format(timeLayout))
}
