package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/onwardhq/onward/pkg/channels/gochannel"
	"github.com/onwardhq/onward/pkg/channels/kafka"
	"github.com/onwardhq/onward/pkg/commandbus"
)

// NewCommandBus creates the command bus for the given provider. "kafka" needs
// a broker list; "gochannel" runs in process and is the single-worker default.
func NewCommandBus(provider, kafkaBrokers, serviceName string, logger *slog.Logger) (commandbus.Bus, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		publisher, subscriber, err := kafka.CreateChannel(watermillLogger, strings.Split(kafkaBrokers, ","), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return commandbus.NewWatermillBus(publisher, subscriber, logger), nil
	case "gochannel", "":
		publisher, subscriber, err := gochannel.CreateChannel(watermillLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel channel: %w", err)
		}

		return commandbus.NewWatermillBus(publisher, subscriber, logger), nil
	default:
		return nil, fmt.Errorf("unsupported command bus provider: %s", provider)
	}
}
