package pubsub

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Provider bundles the publisher/subscriber pair for one broker backend.
// AMQP in production, GoChannel for tests and single-node runs.
type Provider struct {
	Pub message.Publisher
	Sub message.Subscriber
}

func (p *Provider) Close() error {
	if err := p.Pub.Close(); err != nil {
		return err
	}
	return p.Sub.Close()
}

// NewAMQPProvider connects to the broker with a durable pub/sub topology.
// Each instance gets its own queue per topic (suffix = instance id), so a
// published event reaches every instance once.
func NewAMQPProvider(url, instanceID string, logger watermill.LoggerAdapter) (*Provider, error) {
	cfg := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicNameWithSuffix(instanceID),
	)

	pub, err := amqp.NewPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	sub, err := amqp.NewSubscriber(cfg, logger)
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &Provider{Pub: pub, Sub: sub}, nil
}

// NewGoChannelProvider builds an in-process broker. Used by tests and when
// no AMQP url is configured.
func NewGoChannelProvider(logger watermill.LoggerAdapter) *Provider {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return &Provider{Pub: ch, Sub: ch}
}

// NewWatermillLogger bridges watermill's internal logging onto slog.
func NewWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}
