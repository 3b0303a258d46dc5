// Package translation publishes eligible messages to the translation pipeline.
package translation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const requestType = "translation"

// Publisher is the subset of *redis.Client the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Request is the message the translator service consumes.
type Request struct {
	Type            string   `json:"type"`
	MessageID       string   `json:"messageId"`
	ConversationID  string   `json:"conversationId"`
	Text            string   `json:"text"`
	TargetLanguages []string `json:"targetLanguages"`
}

// Dispatcher publishes translation requests to a Redis channel. Callers must
// only hand it content the server is allowed to read.
type Dispatcher struct {
	pub       Publisher
	channel   string
	languages []string
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher publishing on channel.
func NewDispatcher(pub Publisher, channel string, languages []string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pub: pub, channel: channel, languages: languages, logger: logger}
}

// Dispatch publishes one request. With no target languages configured there
// is nothing to translate and nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID, conversationID, text string) error {
	if len(d.languages) == 0 || text == "" {
		return nil
	}

	data, err := json.Marshal(Request{
		Type:            requestType,
		MessageID:       messageID,
		ConversationID:  conversationID,
		Text:            text,
		TargetLanguages: d.languages,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal translation request: %w", err)
	}

	receivers, err := d.pub.Publish(ctx, d.channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish translation request: %w", err)
	}
	if receivers == 0 {
		d.logger.Debug("translation request published with no subscribers", "message_id", messageID)
	}
	return nil
}
