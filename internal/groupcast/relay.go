// Package groupcast relays group messages to the other groups of the same
// share group.
package groupcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/plugin"
)

const (
	PluginName     = "groupcast"
	PluginPriority = 100

	drainTimeout = 5 * time.Second
)

// Sender delivers one message and reports whether it went out.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

type job struct {
	target    Group
	kind      bus.MessageKind
	content   string
	imagePath string
}

type Relay struct {
	cfg     config.GroupCastConfig
	sender  Sender
	dir     *Directory
	limiter *rate.Limiter

	queue    chan job
	stopping chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	closed   atomic.Bool
	stopOnce sync.Once
}

// New starts the relay's sender goroutine. Close stops it.
func New(cfg config.GroupCastConfig, sender Sender, dir *Directory) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultBufSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = config.DefaultSyncInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		sender:   sender,
		dir:      dir,
		limiter:  rate.NewLimiter(rate.Every(time.Duration(cfg.SyncInterval)*time.Second), 1),
		queue:    make(chan job, cfg.QueueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go r.run(ctx)
	log.Infof("[groupcast] started, share groups: %v", r.shareGroupNames())
	return r
}

func (r *Relay) Name() string  { return PluginName }
func (r *Relay) Priority() int { return PluginPriority }

func (r *Relay) HelpText(verbose bool) string {
	return "群消息广播插件。将配置的群聊消息广播到其他群聊。\n"
}

func (r *Relay) OnReceive(ctx context.Context, ev *plugin.Event) {
	msg := ev.Msg
	if !msg.IsGroup {
		return
	}
	source := Group{Channel: msg.Channel, ID: msg.ChatID, Name: msg.ChatName}
	r.dir.Observe(source)

	if msg.Kind != bus.KindText && msg.Kind != bus.KindImage {
		return
	}
	if r.cfg.IgnoreAtBotMsg && msg.IsAt {
		return
	}

	share, targets := r.targets(source)
	if share == "" {
		return
	}

	prefix := fmt.Sprintf("[%s@%s]:", msg.SenderName, msg.ChatName)
	j := job{kind: msg.Kind}
	switch msg.Kind {
	case bus.KindText:
		j.content = prefix + "\n" + msg.Content
	case bus.KindImage:
		if msg.MediaPath == "" {
			log.Warnf("[groupcast] image %d from %s has no local file", msg.MsgID, msg.ChatID)
			return
		}
		j.content = prefix + "发图"
		j.imagePath = msg.MediaPath
	}

	for _, t := range targets {
		if t.key() == source.key() {
			continue
		}
		j.target = t
		r.enqueue(j)
	}
}

// targets finds the first enabled share group, by name, whose members
// include source.
func (r *Relay) targets(source Group) (string, []Group) {
	for _, name := range r.shareGroupNames() {
		members := r.dir.Matching(r.cfg.ShareGroups[name].GroupNameKeywords)
		for _, m := range members {
			if m.key() == source.key() {
				return name, members
			}
		}
	}
	return "", nil
}

func (r *Relay) shareGroupNames() []string {
	names := make([]string, 0, len(r.cfg.ShareGroups))
	for name, sg := range r.cfg.ShareGroups {
		if sg.Enable && len(sg.GroupNameKeywords) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Relay) enqueue(j job) {
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- j:
	default:
		log.Warnf("[groupcast] queue full, dropping message to %s", j.target.Name)
	}
}

// Pending reports the number of queued deliveries.
func (r *Relay) Pending() int { return len(r.queue) }

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.deliver(ctx, j)
		case <-r.stopping:
			for {
				select {
				case j := <-r.queue:
					r.deliver(ctx, j)
				default:
					return
				}
			}
		}
	}
}

// deliver waits for the pacing slot and sends j. Only successful sends take
// a slot.
func (r *Relay) deliver(ctx context.Context, j job) {
	if err := r.waitSlot(ctx); err != nil {
		return
	}
	if err := r.send(ctx, j); err != nil {
		log.Errorf("[groupcast] relay to %s failed: %v", j.target.Name, err)
		return
	}
	r.limiter.Reserve()
	log.Debugf("[groupcast] relayed to %s", j.target.Name)
}

func (r *Relay) waitSlot(ctx context.Context) error {
	if r.limiter.Tokens() >= 1 {
		return nil
	}
	res := r.limiter.Reserve()
	d := res.Delay()
	res.Cancel()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) send(ctx context.Context, j job) error {
	out := bus.OutboundMessage{Channel: j.target.Channel, ChatID: j.target.ID}
	if j.kind == bus.KindText {
		out.Content = j.content
		return r.sender.Send(ctx, out)
	}
	if r.cfg.IsPrefixForMedia {
		out.Content = j.content
		if err := r.sender.Send(ctx, out); err != nil {
			return err
		}
		out.Content = ""
	}
	out.ImagePath = j.imagePath
	return r.sender.Send(ctx, out)
}

// Close stops accepting messages and delivers what is queued, giving up after
// a few seconds.
func (r *Relay) Close() error {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopping)
		select {
		case <-r.done:
		case <-time.After(drainTimeout):
			log.Warnf("[groupcast] %d messages left undelivered", r.Pending())
		}
		r.cancel()
		<-r.done
	})
	return nil
}
