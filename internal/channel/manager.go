package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lumeos/chatdigest/internal/bus"
	"github.com/lumeos/chatdigest/internal/config"
	"github.com/lumeos/chatdigest/internal/summarize"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.TelegramConfig, periods []summarize.Period, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	ch, err := NewTelegramChannel(cfg, periods, b)
	if err != nil {
		return nil, fmt.Errorf("init telegram channel: %w", err)
	}
	m.channels[ch.Name()] = ch
	b.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Printf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})

	return m, nil
}

// Deliverer returns the named channel's progress-message interface, when it
// has one.
func (m *ChannelManager) Deliverer(name string) (Deliverer, bool) {
	ch, ok := m.channels[name]
	if !ok {
		return nil, false
	}
	d, ok := ch.(Deliverer)
	return d, ok
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Printf("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
