// Package amqp connects the engine and the dispatch worker through a direct
// exchange with durable queues. Delivery is at-least-once with manual acks;
// consumers are expected to be idempotent.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"finquest/internal/log"
)

type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	logger       *log.Logger
}

func NewClient(url, exchangeName string, queues []string, logger *log.Logger) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		logger:       logger.WithComponent(log.ComponentAMQP),
	}

	if err := client.setup(queues); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	return client, nil
}

func (c *Client) setup(queues []string) error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range queues {
		_, err = c.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		// Routing key equals the queue name on a direct exchange.
		if err := c.channel.QueueBind(queue, queue, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	return nil
}

type jsonMessage interface {
	ToJSON() ([]byte, error)
}

func (c *Client) publish(ctx context.Context, queue string, msg jsonMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = c.channel.PublishWithContext(
		ctx,
		c.exchangeName,
		queue,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// PublishAlertDispatch hands a tier crossing to the dispatch worker.
func (c *Client) PublishAlertDispatch(ctx context.Context, queue string, msg *AlertDispatchMessage) error {
	if err := c.publish(ctx, queue, msg); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "published alert dispatch",
		log.FieldUserID, msg.UserID,
		log.FieldCategory, msg.Category,
		log.FieldPeriod, msg.PeriodKey,
		log.FieldTier, msg.Tier)
	return nil
}

// PublishSessionEnd forwards an end-of-session signal to the worker.
func (c *Client) PublishSessionEnd(ctx context.Context, queue string, msg *SessionEndMessage) error {
	if err := c.publish(ctx, queue, msg); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "published session end", log.FieldUserID, msg.UserID)
	return nil
}

// ConsumeAlertDispatch delivers messages to handler with manual acks.
// Handler errors nack with requeue; undecodable payloads are dropped.
func (c *Client) ConsumeAlertDispatch(ctx context.Context, queue string, handler func(*AlertDispatchMessage) error) error {
	return c.consume(ctx, queue, func(body []byte) error {
		msg, err := AlertDispatchMessageFromJSON(body)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return handler(msg)
	})
}

// ConsumeEventIngest delivers bus-ingested events to handler.
func (c *Client) ConsumeEventIngest(ctx context.Context, queue string, handler func(*EventIngestMessage) error) error {
	return c.consume(ctx, queue, func(body []byte) error {
		msg, err := EventIngestMessageFromJSON(body)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return handler(msg)
	})
}

// ConsumeSessionEnd delivers end-of-session signals to handler.
func (c *Client) ConsumeSessionEnd(ctx context.Context, queue string, handler func(*SessionEndMessage) error) error {
	return c.consume(ctx, queue, func(body []byte) error {
		msg, err := SessionEndMessageFromJSON(body)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return handler(msg)
	})
}

var errBadPayload = errors.New("undecodable payload")

func (c *Client) consume(ctx context.Context, queue string, handle func(body []byte) error) error {
	msgs, err := c.channel.Consume(
		queue,
		"",    // consumer
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.InfoContext(ctx, "started consuming", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "stopping consumption", "queue", queue, "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			if err := handle(delivery.Body); err != nil {
				requeue := !errors.Is(err, errBadPayload)
				c.logger.ErrorContext(ctx, "message handling failed",
					"queue", queue,
					"requeue", requeue,
					log.FieldError, err)
				delivery.Nack(false, requeue)
				continue
			}
			delivery.Ack(false)
		}
	}
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
