// Package plugin hosts chat plugins. Every inbound message becomes an Event
// that passes through the receive hooks of all plugins and then through the
// handle hooks until one of them stops the chain.
package plugin

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/log"
)

// Action controls what happens after a handle hook returns.
type Action int

const (
	// Continue passes the event to the next handler.
	Continue Action = iota
	// Break stops the chain; the gateway may still generate a default reply.
	Break
	// BreakPass stops the chain and skips default processing.
	BreakPass
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Break:
		return "break"
	case BreakPass:
		return "break_pass"
	}
	return "unknown"
}

type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyImage
	ReplyError
)

// Reply is what a plugin wants sent back to the chat.
type Reply struct {
	Kind    ReplyKind
	Content string
	Image   []byte
}

// Event is one message travelling through the plugin chain. Kind and Content
// start as the message's own values, with the trigger prefix removed from
// addressed messages; plugins may rewrite them.
type Event struct {
	Msg       bus.InboundMessage
	Kind      bus.MessageKind
	Content   string
	Addressed bool

	Reply  *Reply
	Action Action
	// Generate asks the gateway to feed the rewritten Content to the default
	// generator.
	Generate bool
}

func NewEvent(msg bus.InboundMessage, addressed bool) *Event {
	return &Event{
		Msg:       msg,
		Kind:      msg.Kind,
		Content:   msg.Content,
		Addressed: addressed,
	}
}

// Respond sets a reply and stops the chain.
func (e *Event) Respond(kind ReplyKind, content string) {
	e.Reply = &Reply{Kind: kind, Content: content}
	e.Action = BreakPass
}

// RespondImage sets an image reply and stops the chain.
func (e *Event) RespondImage(img []byte) {
	e.Reply = &Reply{Kind: ReplyImage, Image: img}
	e.Action = BreakPass
}

// Rewrite replaces the content and hands it to the default generator.
func (e *Event) Rewrite(content string) {
	e.Kind = bus.KindText
	e.Content = content
	e.Generate = true
	e.Action = Break
}

func (e *Event) Stopped() bool {
	return e.Action == Break || e.Action == BreakPass
}

type Plugin interface {
	Name() string
	// Priority orders plugins; higher runs first.
	Priority() int
	HelpText(verbose bool) string
}

// Receiver sees every inbound message, addressed or not.
type Receiver interface {
	Plugin
	OnReceive(ctx context.Context, ev *Event)
}

// Handler sees messages in the handle phase.
type Handler interface {
	Plugin
	OnHandle(ctx context.Context, ev *Event)
}

// Hidden plugins are left out of the help listing.
type Hidden interface {
	Hidden() bool
}

type Host struct {
	trigger *Trigger

	mu      sync.RWMutex
	plugins []Plugin
}

func NewHost(trigger *Trigger, plugins ...Plugin) *Host {
	h := &Host{trigger: trigger}
	for _, p := range plugins {
		h.Register(p)
	}
	return h
}

// Register adds p, keeping plugins sorted by descending priority. Plugins
// with equal priority keep registration order.
func (h *Host) Register(p Plugin) {
	if p == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins = append(h.plugins, p)
	sort.SliceStable(h.plugins, func(i, j int) bool {
		return h.plugins[i].Priority() > h.plugins[j].Priority()
	})
	log.Infof("[plugin] registered %s (priority %d)", p.Name(), p.Priority())
}

func (h *Host) Plugins() []Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Plugin, len(h.plugins))
	copy(out, h.plugins)
	return out
}

func (h *Host) Trigger() *Trigger { return h.trigger }

// Dispatch runs the receive hooks, then the handle hooks until one stops the
// chain, and returns the final event.
func (h *Host) Dispatch(ctx context.Context, msg bus.InboundMessage) *Event {
	addressed := false
	if h.trigger != nil {
		addressed = h.trigger.Matches(msg)
	}
	ev := NewEvent(msg, addressed)
	if addressed {
		ev.Content = h.trigger.Strip(msg)
	}

	plugins := h.Plugins()
	for _, p := range plugins {
		if r, ok := p.(Receiver); ok {
			r.OnReceive(ctx, ev)
		}
	}

	for _, p := range plugins {
		hd, ok := p.(Handler)
		if !ok {
			continue
		}
		hd.OnHandle(ctx, ev)
		if ev.Stopped() {
			log.Debugf("[plugin] %s stopped the chain (%s)", p.Name(), ev.Action)
			break
		}
	}
	return ev
}

// Help concatenates the help texts of visible plugins.
func (h *Host) Help(verbose bool) string {
	var sb strings.Builder
	for _, p := range h.Plugins() {
		if hp, ok := p.(Hidden); ok && hp.Hidden() {
			continue
		}
		text := p.HelpText(verbose)
		if text == "" {
			continue
		}
		sb.WriteString("[" + p.Name() + "]\n")
		sb.WriteString(strings.TrimRight(text, "\n"))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Close closes every plugin that holds resources.
func (h *Host) Close() error {
	var errs []error
	for _, p := range h.Plugins() {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
