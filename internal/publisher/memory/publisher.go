// Package memory keeps published notifications in process. It backs the
// notification sink in tests and local runs without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Event   string
	Payload any
}

// Publisher retains the most recent messages, up to limit.
type Publisher struct {
	limit int

	mu       sync.RWMutex
	seq      int
	messages []PublishedMessage
}

// New returns a Publisher keeping at most limit messages. Zero keeps all.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns its sequence ID.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.seq), Event: event, Payload: payload}
	p.messages = append(p.messages, msg)
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	return msg.ID, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByEvent returns the retained messages for one event name.
func (p *Publisher) ByEvent(event string) []PublishedMessage {
	return lo.Filter(p.Messages(), func(m PublishedMessage, _ int) bool {
		return m.Event == event
	})
}
