package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Header keys used to carry mesh metadata on NATS messages.
const (
	headerMessageID = "Mesh-Message-Id"
	headerPropBase  = "Mesh-Prop-"
)

// NATSBus implements Bus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.MeshConfig
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }

// NewNATSBus creates a new NATS mesh bus with reconnection logic.
func NewNATSBus(cfg config.MeshConfig, log *logger.Logger) (*NATSBus, error) {
	bus := &NATSBus{
		logger: log,
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("Mesh disconnected", zap.Error(err))
			} else {
				log.Info("Mesh disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Mesh reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("Mesh connection closed", zap.Error(err))
			} else {
				log.Info("Mesh connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("Mesh error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mesh: %w", err)
	}

	bus.conn = conn
	log.Info("Connected to mesh", zap.String("url", cfg.URL))

	return bus, nil
}

// Publish sends a message to its topic.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	nmsg := nats.NewMsg(toSubject(msg.Topic))
	nmsg.Data = msg.Payload
	nmsg.Header.Set(headerMessageID, msg.ID)
	for key, value := range msg.UserProperties {
		nmsg.Header.Set(headerPropBase+key, value)
	}

	if err := b.conn.PublishMsg(nmsg); err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.logger.Debug("Published message",
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
	)

	return nil
}

// Subscribe creates a subscription to a topic pattern.
func (b *NATSBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(toSubject(topic), b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe creates a queue subscription for load balancing.
func (b *NATSBus) QueueSubscribe(topic, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(toSubject(topic), queue, b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("Queue subscribed to topic",
		zap.String("topic", topic),
		zap.String("queue", queue),
	)
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler adapts a mesh Handler to a NATS message handler.
func (b *NATSBus) createMsgHandler(handler Handler) nats.MsgHandler {
	return func(nmsg *nats.Msg) {
		msg := &Message{
			ID:      nmsg.Header.Get(headerMessageID),
			Topic:   fromSubject(nmsg.Subject),
			Payload: nmsg.Data,
		}
		for key := range nmsg.Header {
			if len(key) > len(headerPropBase) && key[:len(headerPropBase)] == headerPropBase {
				if msg.UserProperties == nil {
					msg.UserProperties = make(map[string]string)
				}
				msg.UserProperties[key[len(headerPropBase):]] = nmsg.Header.Get(key)
			}
		}

		ctx := context.Background()
		if err := handler(ctx, msg); err != nil {
			b.logger.Error("Mesh handler failed",
				zap.String("topic", msg.Topic),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// Close closes the NATS connection gracefully.
func (b *NATSBus) Close() {
	if b.conn != nil {
		// Drain will process pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining mesh connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("Mesh connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
