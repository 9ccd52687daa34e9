// Package gateway wires the bus, the Telegram channel, the record store and
// the plugins into one running bot.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"golang.org/x/sync/semaphore"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/channel"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/cron"
	"github.com/stellarlinkco/chatsum/internal/groupcast"
	"github.com/stellarlinkco/chatsum/internal/hello"
	"github.com/stellarlinkco/chatsum/internal/linksum"
	"github.com/stellarlinkco/chatsum/internal/llm"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/plugin"
	"github.com/stellarlinkco/chatsum/internal/store"
	"github.com/stellarlinkco/chatsum/internal/summary"
)

const (
	defaultChannel = "telegram"
	helpCommand    = "help"
	maxInFlight    = 8
	// maxBacklog bounds the messages waiting behind a busy session.
	maxBacklog = 100

	errorReplyText = "抱歉，处理消息时出错了，请稍后再试。"
)

var ErrSummaryDisabled = errors.New("summary plugin is disabled")

// Generator produces the default reply for addressed messages no plugin
// answered, and for prompts a plugin rewrote.
type Generator interface {
	Generate(ctx context.Context, sessionID, prompt string) (string, error)
}

type GeneratorFactory func(cfg *config.Config) (Generator, error)

type Options struct {
	GeneratorFactory GeneratorFactory
	SignalChan       chan os.Signal
	// Channels replaces the channels built from config.
	Channels []channel.Channel
}

type modelGenerator struct {
	mdl model.Model
}

// DefaultGeneratorFactory builds an agentsdk-go model for the configured
// provider.
func DefaultGeneratorFactory(cfg *config.Config) (Generator, error) {
	var provider model.Provider
	switch cfg.Provider.Type {
	case "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Provider.Model,
			MaxTokens: cfg.Provider.MaxTokens,
		}
	default:
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Provider.Model,
			MaxTokens: cfg.Provider.MaxTokens,
		}
	}
	mdl, err := provider.Model(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	return &modelGenerator{mdl: mdl}, nil
}

func (g *modelGenerator) Generate(ctx context.Context, sessionID, prompt string) (string, error) {
	resp, err := g.mdl.Complete(ctx, model.Request{
		Messages:  []model.Message{{Role: "user", Content: prompt}},
		SessionID: sessionID,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Message.Content, nil
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	host       *plugin.Host
	channels   *channel.ChannelManager
	cron       *cron.Service
	generator  Generator
	summarizer *summary.Summarizer
	signalChan chan os.Signal

	inflight *semaphore.Weighted
	wg       sync.WaitGroup

	// sessions holds the backlog of every session that has a drain running.
	mu       sync.Mutex
	sessions map[string][]bus.InboundMessage
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		inflight:   semaphore.NewWeighted(maxInFlight),
		sessions:   make(map[string][]bus.InboundMessage),
	}

	st, err := store.Open(context.Background(), store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Path:   cfg.Store.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	if opts.Channels != nil {
		g.channels, _ = channel.NewChannelManager(config.ChannelsConfig{}, g.bus)
		for _, ch := range opts.Channels {
			g.channels.Add(ch)
		}
	} else {
		g.channels, err = channel.NewChannelManager(cfg.Channels, g.bus)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
	}

	if err := g.buildPlugins(); err != nil {
		_ = g.host.Close()
		_ = st.Close()
		return nil, err
	}

	factory := opts.GeneratorFactory
	if factory == nil {
		factory = DefaultGeneratorFactory
	}
	g.generator, err = factory(cfg)
	if err != nil {
		_ = g.host.Close()
		_ = st.Close()
		return nil, err
	}

	g.cron = cron.NewService(g.runSchedule)
	for _, sc := range cfg.Schedules {
		if err := g.cron.AddJob(cron.JobFromConfig(sc)); err != nil {
			log.Warnf("[gateway] skip schedule: %v", err)
		}
	}

	return g, nil
}

func (g *Gateway) buildPlugins() error {
	cfg := g.cfg
	trigger := plugin.NewTrigger(cfg.Trigger)
	g.host = plugin.NewHost(trigger)

	client := llm.New(llm.Options{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
	})

	if cfg.Summary.Enabled {
		var (
			describer *summary.Describer
			submitter summary.ImageSubmitter
		)
		if cfg.Multimodal.Enabled() {
			vision := llm.New(llm.Options{
				APIKey:  cfg.Multimodal.APIKey,
				BaseURL: cfg.Multimodal.BaseURL,
				Model:   cfg.Multimodal.Model,
			})
			d, err := summary.NewDescriber(vision, g.store, summary.DescriberOptions{
				Workers:    cfg.Summary.ImageWorkers,
				MaxPending: cfg.Summary.ImageMaxPending,
				Prompt:     cfg.Summary.ImagePrompt,
				ScratchDir: cfg.Summary.ScratchDir,
			})
			if err != nil {
				return fmt.Errorf("create image describer: %w", err)
			}
			describer, submitter = d, d
		} else {
			log.Infof("[gateway] multimodal model not configured, images are stored as placeholders")
		}

		summaryLLM := client
		if cfg.Summary.MaxTokens > 0 && cfg.Summary.MaxTokens != cfg.Provider.MaxTokens {
			summaryLLM = llm.New(llm.Options{
				APIKey:    cfg.Provider.APIKey,
				BaseURL:   cfg.Provider.BaseURL,
				Model:     cfg.Provider.Model,
				MaxTokens: cfg.Summary.MaxTokens,
			})
		}

		names := summary.NewNameCache(g.channels, 0)
		ingest := summary.NewIngestor(g.store, names, trigger, submitter)
		g.summarizer = summary.NewSummarizer(g.store, summaryLLM, summary.Options{
			MaxInputTokens: cfg.Summary.MaxInputTokens,
			ChunkMaxTokens: cfg.Summary.ChunkMaxTokens,
			MaxChunks:      cfg.Summary.MaxChunks,
			Password:       cfg.Summary.Password,
			Prompt:         cfg.Summary.SummaryPrompt,
		})
		g.host.Register(summary.NewPlugin(ingest, g.summarizer, trigger, cfg.Summary.Mode, describer))
	}

	if cfg.LinkSum.Enabled {
		g.host.Register(linksum.New(cfg.LinkSum, cfg.Provider.Model, client, nil))
	}
	if cfg.Hello.Enabled {
		g.host.Register(hello.New(cfg.Hello))
	}
	if cfg.GroupCast.Enabled {
		dir := groupcast.NewDirectory(defaultChannel, cfg.GroupCast.KnownGroups)
		g.host.Register(groupcast.New(cfg.GroupCast, g.channels, dir))
	}
	return nil
}

// Host exposes the plugin host.
func (g *Gateway) Host() *plugin.Host { return g.host }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Infof("[gateway] channels started: %v", g.channels.EnabledChannels())

	g.cron.Start(ctx)

	loopDone := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(loopDone)
	}()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Infof("[gateway] shutting down...")
	cancel()
	<-loopDone
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.enqueue(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands msg to its session's drain, starting one if none is running.
// Messages of one session are handled one at a time in arrival order;
// different sessions run concurrently, at most maxInFlight at once.
func (g *Gateway) enqueue(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()

	g.mu.Lock()
	if backlog, running := g.sessions[key]; running {
		if len(backlog) >= maxBacklog {
			g.mu.Unlock()
			log.Warnf("[gateway] %s has %d messages waiting, dropping %d", key, len(backlog), msg.MsgID)
			return
		}
		g.sessions[key] = append(backlog, msg)
		g.mu.Unlock()
		return
	}
	g.sessions[key] = nil
	g.mu.Unlock()

	g.wg.Add(1)
	go g.drain(ctx, key, msg)
}

func (g *Gateway) drain(ctx context.Context, key string, msg bus.InboundMessage) {
	defer g.wg.Done()
	for {
		if err := g.inflight.Acquire(ctx, 1); err != nil {
			g.mu.Lock()
			delete(g.sessions, key)
			g.mu.Unlock()
			return
		}
		g.handle(ctx, msg)
		g.inflight.Release(1)

		g.mu.Lock()
		backlog := g.sessions[key]
		if len(backlog) == 0 {
			delete(g.sessions, key)
			g.mu.Unlock()
			return
		}
		msg = backlog[0]
		g.sessions[key] = backlog[1:]
		g.mu.Unlock()
	}
}

// handle runs msg through the plugins and sends whatever reply results.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	log.Debugf("[gateway] inbound %s from %s/%s: %s", msg.Kind, msg.ChatID, msg.SenderID, truncate(msg.Content, 80))

	ev := g.host.Dispatch(ctx, msg)
	if ev.Reply != nil {
		g.reply(ctx, msg, ev.Reply)
		return
	}
	if ev.Action == plugin.BreakPass || ev.Kind != bus.KindText {
		return
	}

	if ev.Addressed && !ev.Generate {
		if word, _, ok := g.host.Trigger().Command(ev.Content); ok && word == helpCommand {
			g.reply(ctx, msg, &plugin.Reply{Kind: plugin.ReplyText, Content: strings.TrimSpace(g.host.Help(true))})
			return
		}
	}
	if !ev.Generate && !ev.Addressed {
		return
	}
	if strings.TrimSpace(ev.Content) == "" {
		return
	}

	text, err := g.generator.Generate(ctx, msg.SessionKey(), ev.Content)
	if err != nil {
		log.Errorf("[gateway] generate reply for %s: %v", msg.ChatID, err)
		text = errorReplyText
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	g.reply(ctx, msg, &plugin.Reply{Kind: plugin.ReplyText, Content: text})
}

func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, r *plugin.Reply) {
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID}
	switch r.Kind {
	case plugin.ReplyImage:
		out.Image = r.Image
	default:
		out.Content = r.Content
	}
	if !g.bus.Publish(ctx, out) {
		log.Warnf("[gateway] reply to %s dropped: %v", msg.ChatID, ctx.Err())
	}
}

// runSchedule summarizes the job's session and posts the digest.
func (g *Gateway) runSchedule(ctx context.Context, job cron.Job) (string, error) {
	if g.summarizer == nil {
		return "", ErrSummaryDisabled
	}
	text, err := g.summarizer.Summarize(ctx, summary.Request{
		SessionID: job.SessionID,
		Args:      strings.Fields(job.Args),
	})
	if err != nil {
		return "", err
	}
	ch := job.Channel
	if ch == "" {
		ch = defaultChannel
	}
	if !g.bus.Publish(ctx, bus.OutboundMessage{Channel: ch, ChatID: job.ChatID, Content: text}) {
		return "", ctx.Err()
	}
	return text, nil
}

// Summarize runs one summary outside chat, as the CLI does.
func (g *Gateway) Summarize(ctx context.Context, sessionID string, args []string) (string, error) {
	if g.summarizer == nil {
		return "", ErrSummaryDisabled
	}
	return g.summarizer.Summarize(ctx, summary.Request{SessionID: sessionID, Args: args})
}

// Shutdown stops the scheduler, the plugins and their workers, the channels
// and finally the store.
func (g *Gateway) Shutdown() error {
	g.cron.Stop()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warnf("[gateway] timed out waiting for in-flight messages")
	}

	var errs []error
	if err := g.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	log.Infof("[gateway] shutdown complete")
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
