// Package linksum summarizes shared web pages. Pages are scraped through a
// firecrawl compatible service, condensed by the LLM into a digest and sent
// back as text or as a rendered card.
package linksum

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/plugin"
)

const (
	PluginName     = "linksum"
	PluginPriority = 10

	maxRetries = 3
	wechatHost = "mp.weixin.qq.com"

	msgScraperDown   = "内容抓取服务暂时不可用，请稍后再试"
	msgWeChatVerify  = "微信公众号文章需要验证，无法自动抓取内容，请考虑手动复制文章内容"
	msgNoContent     = "我无法抓取这个网页内容，请稍后再试"
	msgRenderFailed  = "生成图片总结失败"
	msgUnavailable   = "我暂时无法总结链接，请稍后再试"
	jsonModelPrefix  = "gpt"
	plainOutputModel = "gpt-4o-mini"
)

// LLM is the completion surface the plugin needs.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

type Plugin struct {
	cfg      config.LinkSumConfig
	model    string
	llm      LLM
	scraper  *Scraper
	renderer *Renderer
	now      func() time.Time
}

// New builds the plugin. model selects JSON output mode; client may be nil.
func New(cfg config.LinkSumConfig, model string, llm LLM, client *http.Client) *Plugin {
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = config.DefaultLinkMaxWords
	}
	if cfg.Prompt == "" {
		cfg.Prompt = config.DefaultLinkPrompt
	}
	return &Plugin{
		cfg:     cfg,
		model:   model,
		llm:     llm,
		scraper: NewScraper(cfg.FirecrawlURL, cfg.FirecrawlAPIKey, client),
		renderer: NewRenderer(cfg.RenderURL, CardStyle{
			IconURL:    cfg.RenderIconURL,
			Watermark:  cfg.RenderWatermark,
			QRCodeURL:  cfg.RenderQRCodeURL,
			QRCodeText: cfg.RenderQRCodeText,
		}, client),
		now: time.Now,
	}
}

func (p *Plugin) Name() string  { return PluginName }
func (p *Plugin) Priority() int { return PluginPriority }

func (p *Plugin) HelpText(verbose bool) string {
	return "使用FireCrawl抓取页面内容，并使用LLM总结网页链接内容，并可以生成图片总结。"
}

func (p *Plugin) OnHandle(ctx context.Context, ev *plugin.Event) {
	if ev.Msg.IsGroup && p.blockedGroup(ev.Msg.ChatName) {
		log.Debugf("[linksum] group %q is blacklisted", ev.Msg.ChatName)
		return
	}
	switch ev.Kind {
	case bus.KindSharing:
	case bus.KindText:
		if !ev.Addressed {
			return
		}
	default:
		return
	}

	target := strings.TrimSpace(ev.Content)
	if !p.acceptURL(target) {
		return
	}
	target = html.UnescapeString(target)

	var (
		reply *plugin.Reply
		err   error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		reply, err = p.summarize(ctx, target)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < maxRetries {
			log.Warnf("[linksum] %v, retry %d", err, attempt+1)
		}
	}
	if err != nil {
		log.Errorf("[linksum] giving up on %s: %v", target, err)
		ev.Respond(plugin.ReplyError, msgUnavailable)
		return
	}
	ev.Reply = reply
	ev.Action = plugin.BreakPass
}

// summarize returns a reply for every outcome the user should see. Only
// failures worth retrying come back as errors.
func (p *Plugin) summarize(ctx context.Context, target string) (*plugin.Reply, error) {
	if err := p.scraper.Health(ctx); err != nil {
		log.Errorf("[linksum] %v", err)
		return errorReply(msgScraperDown), nil
	}

	page, err := p.scraper.Scrape(ctx, target)
	if err != nil {
		log.Errorf("[linksum] scrape %s: %v", target, err)
		if strings.Contains(target, wechatHost) {
			return errorReply(msgWeChatVerify), nil
		}
		return errorReply(msgNoContent), nil
	}

	prompt := p.cfg.Prompt + "\n\n'''" + firstRunes(page, p.cfg.MaxWords) + "'''"
	complete := p.llm.Complete
	if p.jsonMode() {
		complete = p.llm.CompleteJSON
	}
	out, err := complete(ctx, "", prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", target, err)
	}
	log.Debugf("[linksum] model output: %s", out)

	digest, outcome := ParseDigest(out, p.now())
	if outcome != Parsed {
		log.Warnf("[linksum] model output for %s was %s", target, outcome)
	}

	if !p.cfg.GenerateImage {
		return &plugin.Reply{Kind: plugin.ReplyText, Content: digest.Text()}, nil
	}
	img, err := p.renderer.Render(ctx, digest)
	if err != nil {
		log.Errorf("[linksum] render card: %v", err)
		return errorReply(msgRenderFailed), nil
	}
	log.Infof("[linksum] rendered card for %s (%d bytes)", target, len(img))
	return &plugin.Reply{Kind: plugin.ReplyImage, Image: img}, nil
}

// jsonMode asks for a JSON object from gpt models other than gpt-4o-mini.
func (p *Plugin) jsonMode() bool {
	return strings.HasPrefix(p.model, jsonModelPrefix) && p.model != plainOutputModel
}

func (p *Plugin) acceptURL(u string) bool {
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return false
	}
	if len(p.cfg.WhiteURLList) > 0 {
		if _, ok := plugin.MatchPrefix(u, p.cfg.WhiteURLList); !ok {
			return false
		}
	}
	for _, black := range p.cfg.BlackURLList {
		if strings.HasPrefix(u, black) {
			return false
		}
	}
	return true
}

func (p *Plugin) blockedGroup(name string) bool {
	for _, black := range p.cfg.BlackGroupList {
		if black != "" && strings.Contains(name, black) {
			return true
		}
	}
	return false
}

func errorReply(text string) *plugin.Reply {
	return &plugin.Reply{Kind: plugin.ReplyError, Content: text}
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
