package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/plugin"
)

const (
	PluginName     = "summary"
	PluginPriority = 10
)

// Plugin records every message and answers "<prefix>总结" commands.
type Plugin struct {
	ingest    *Ingestor
	sum       *Summarizer
	trigger   *plugin.Trigger
	relay     bool
	describer *Describer
}

// NewPlugin wires the pipeline. describer may be nil.
func NewPlugin(ingest *Ingestor, sum *Summarizer, trigger *plugin.Trigger, mode string, describer *Describer) *Plugin {
	return &Plugin{
		ingest:    ingest,
		sum:       sum,
		trigger:   trigger,
		relay:     mode == config.SummaryModeRelay,
		describer: describer,
	}
}

func (p *Plugin) Name() string  { return PluginName }
func (p *Plugin) Priority() int { return PluginPriority }

func (p *Plugin) HelpText(verbose bool) string {
	help := "聊天记录总结插件。\n"
	if !verbose {
		return help
	}
	prefix := p.trigger.PluginPrefix()
	help += fmt.Sprintf("使用方法:输入\"%[1]s总结 最近消息数量\"，我会帮助你总结聊天记录。\n"+
		"例如：\"%[1]s总结 100\"，我会总结最近100条消息。\n\n"+
		"也可以限定时间：\"%[1]s总结 -2h\" 总结最近两小时，\"%[1]s总结 -7200 50\" 总结最近7200秒内的最多50条消息。\n"+
		"命令后的其他文字会作为自定义指令，例如：\"%[1]s总结 100 只关注技术讨论\"。\n"+
		"私聊中可以总结其他会话：\"%[1]s总结 @会话名 密码 100\"。", prefix)
	return help
}

func (p *Plugin) OnReceive(ctx context.Context, ev *plugin.Event) {
	if err := p.ingest.Ingest(ctx, ev.Msg); err != nil {
		log.Errorf("[summary] %v", err)
	}
}

func (p *Plugin) OnHandle(ctx context.Context, ev *plugin.Event) {
	if !ev.Addressed || ev.Kind != bus.KindText {
		return
	}
	args, ok := p.parse(ev.Content)
	if !ok {
		return
	}
	group := ev.Msg.IsGroup
	req := Request{SessionID: ev.Msg.ChatID, Group: &group, Args: args}

	if p.relay {
		plan, err := p.sum.Prepare(ctx, req)
		if err != nil {
			p.fail(ev, err)
			return
		}
		ev.Rewrite(plan.Prompt())
		return
	}

	text, err := p.sum.Summarize(ctx, req)
	if err != nil {
		p.fail(ev, err)
		return
	}
	ev.Respond(plugin.ReplyText, text)
}

// parse accepts "$总结 100" as well as "$总结100".
func (p *Plugin) parse(content string) ([]string, bool) {
	word, args, ok := p.trigger.Command(content)
	if !ok || !strings.HasPrefix(word, CommandWord) {
		return nil, false
	}
	if rest := strings.TrimPrefix(word, CommandWord); rest != "" {
		args = append([]string{rest}, args...)
	}
	return args, true
}

func (p *Plugin) fail(ev *plugin.Event, err error) {
	log.Warnf("[summary] %s: %v", ev.Msg.ChatID, err)
	ev.Respond(plugin.ReplyError, UserMessage(err))
}

// Summarizer exposes the orchestrator for scheduled digests.
func (p *Plugin) Summarizer() *Summarizer { return p.sum }

func (p *Plugin) Close() error {
	if p.describer == nil {
		return nil
	}
	return p.describer.Close()
}
