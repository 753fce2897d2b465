// Package memory provides a recording publisher for detail-saved notifications.
// Payloads go through the same JSON encoding as the Pub/Sub publisher, so tests
// observe what a subscriber would receive.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Notification is the decoded body of a detail-saved message.
type Notification struct {
	Slug      string                `json:"slug"`
	ProblemID string                `json:"problemId"`
	Assets    []catalog.AssetRecord `json:"assets"`
	FetchedAt time.Time             `json:"fetchedAt"`
}

// Message is one recorded publish.
type Message struct {
	ID         string
	Topic      string
	Attributes map[string]string
	Data       []byte
	Detail     Notification
}

// Publisher records notifications in memory.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload, decodes it back as a Notification and records it with
// the slug attribute a Pub/Sub subscriber would filter on.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	var detail Notification
	if err := json.Unmarshal(data, &detail); err != nil {
		return "", fmt.Errorf("decode notification: %w", err)
	}
	msg := Message{Topic: topic, Data: data, Detail: detail}
	if detail.Slug != "" {
		msg.Attributes = map[string]string{"slug": detail.Slug}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	msg.ID = fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the recorded messages in publish order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Slugs returns the slug of every recorded notification in publish order.
func (p *Publisher) Slugs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Detail.Slug
	}
	return out
}
