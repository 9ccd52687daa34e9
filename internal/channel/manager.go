package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
)

// ErrUnknownChannel is returned when a message names a channel that is not
// enabled.
var ErrUnknownChannel = errors.New("unknown channel")

type nameLookup interface {
	LookupName(ctx context.Context, id string) (string, error)
}

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers ch and subscribes it to outbound messages for its name.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Errorf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Infof("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Infof("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Errorf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers msg synchronously on its channel, bypassing the bus, so the
// caller learns whether it went out.
func (m *ChannelManager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := m.channels[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.Send(msg)
}

// LookupName asks every channel that can resolve ids and returns the first
// answer.
func (m *ChannelManager) LookupName(ctx context.Context, id string) (string, error) {
	var errs []error
	for _, name := range m.EnabledChannels() {
		l, ok := m.channels[name].(nameLookup)
		if !ok {
			continue
		}
		n, err := l.LookupName(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n != "" {
			return n, nil
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", nil
}
