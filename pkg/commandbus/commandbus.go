// Package commandbus moves ActionCommands between processes. Asynchronous
// transitions hand their follow-up command to the bus instead of chaining it
// inline; any worker subscribed to the topic picks it up.
package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/onwardhq/onward/pkg/engine"
	"github.com/onwardhq/onward/pkg/models"
)

// Topic carries serialized ActionCommands.
const Topic = "onward.commands"

const (
	instanceIDMetadataKey = "instance_id"
	requestIDMetadataKey  = "request_id"
)

// Handler consumes one command delivered by the bus.
type Handler func(ctx context.Context, cmd *models.ActionCommand) error

// Bus publishes and consumes ActionCommands. Implements engine.Dispatcher.
type Bus interface {
	Dispatch(ctx context.Context, cmd *models.ActionCommand) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// WatermillBus implements Bus over any watermill publisher/subscriber pair
// (Kafka in production, GoChannel in tests and single-process mode).
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

// NewWatermillBus creates a command bus over the given channel.
func NewWatermillBus(publisher message.Publisher, subscriber message.Subscriber, logger *slog.Logger) *WatermillBus {
	return &WatermillBus{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With("module", "commandbus"),
	}
}

// Dispatch publishes the command to the topic.
func (b *WatermillBus) Dispatch(ctx context.Context, cmd *models.ActionCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(instanceIDMetadataKey, cmd.InstanceID)
	msg.Metadata.Set(requestIDMetadataKey, cmd.RequestID)

	err = b.publisher.Publish(Topic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	b.logger.DebugContext(ctx, "Dispatched command",
		"instance_id", cmd.InstanceID, "action", cmd.Action, "request_id", cmd.RequestID)

	return nil
}

// Subscribe consumes commands until the context is cancelled. Retryable
// handler failures nack the message for redelivery; permanent ones ack it,
// since redelivering a command the engine rejected will never succeed.
func (b *WatermillBus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Topic, err)
	}

	go func() {
		for msg := range messages {
			var cmd models.ActionCommand

			err := json.Unmarshal(msg.Payload, &cmd)
			if err != nil {
				b.logger.Error("Failed to decode command message", "message_id", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			err = handler(ctx, &cmd)
			if err != nil {
				if engine.IsRetryable(err) {
					b.logger.Warn("Command handling failed, redelivering",
						"instance_id", cmd.InstanceID, "action", cmd.Action, "error", err)
					msg.Nack()

					continue
				}

				b.logger.Error("Command handling failed permanently",
					"instance_id", cmd.InstanceID, "action", cmd.Action, "error", err)
			}

			msg.Ack()
		}
	}()

	return nil
}

// Close shuts the underlying channel down.
func (b *WatermillBus) Close() error {
	err := b.publisher.Close()
	if err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}

	return nil
}
