package commandbus_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/channels/gochannel"
	"github.com/onwardhq/onward/pkg/commandbus"
	"github.com/onwardhq/onward/pkg/models"
)

func newTestBus(t *testing.T) *commandbus.WatermillBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	publisher, subscriber, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	return commandbus.NewWatermillBus(publisher, subscriber, logger)
}

func TestBusDeliversDispatchedCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *models.ActionCommand, 1)

	err := bus.Subscribe(ctx, func(ctx context.Context, cmd *models.ActionCommand) error {
		received <- cmd

		return nil
	})
	require.NoError(t, err)

	sent := &models.ActionCommand{
		InstanceID: "inst-1",
		Action:     "CHECK_IDENTITY",
		Actor:      models.ActorSystem,
		RequestID:  "req-1",
		OccurredAt: time.Now().UTC(),
		ChainDepth: 2,
	}

	require.NoError(t, bus.Dispatch(ctx, sent))

	select {
	case cmd := <-received:
		assert.Equal(t, sent.InstanceID, cmd.InstanceID)
		assert.Equal(t, sent.Action, cmd.Action)
		assert.Equal(t, sent.Actor, cmd.Actor)
		assert.Equal(t, sent.RequestID, cmd.RequestID)
		assert.Equal(t, sent.ChainDepth, cmd.ChainDepth)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not delivered")
	}
}

func TestBusAcksPermanentFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	deliveries := make(chan struct{}, 4)

	err := bus.Subscribe(ctx, func(ctx context.Context, cmd *models.ActionCommand) error {
		deliveries <- struct{}{}

		// Not an engine error, so not retryable: the bus must ack and
		// move on instead of redelivering forever.
		return assert.AnError
	})
	require.NoError(t, err)

	require.NoError(t, bus.Dispatch(ctx, &models.ActionCommand{
		InstanceID: "inst-1",
		Action:     "GO",
		Actor:      models.ActorSystem,
		RequestID:  "req-1",
	}))

	select {
	case <-deliveries:
	case <-time.After(5 * time.Second):
		t.Fatal("command was not delivered")
	}

	select {
	case <-deliveries:
		t.Fatal("permanently failed command was redelivered")
	case <-time.After(200 * time.Millisecond):
	}
}
