package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/util"

	"go.uber.org/zap"
)

// Notifier delivers the raw one-time code out-of-band. The identity
// core never sees the code again after handing it off here.
type Notifier interface {
	Send(ctx context.Context, destination, code string) error
}

// deliveryJob is the payload handed to the delivery worker. Channel is
// derived from the destination shape (email today, SMS-capable).
type deliveryJob struct {
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	Channel     string    `json:"channel"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// KafkaNotifier enqueues delivery jobs on the OTP delivery topic; a
// downstream worker owns provider mechanics (SMTP, SMS gateway).
type KafkaNotifier struct {
	producer *client.KafkaProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaNotifier(producer *client.KafkaProducer, topic string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (n *KafkaNotifier) Send(ctx context.Context, destination, code string) error {
	job := deliveryJob{
		Destination: destination,
		Code:        code,
		Channel:     channelFor(destination),
		EnqueuedAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery job: %w", err)
	}

	// Key by contact digest so retries for one contact stay ordered.
	key := []byte(util.ContactDigest(destination))
	if err := n.producer.Produce(ctx, n.topic, key, payload); err != nil {
		return fmt.Errorf("failed to enqueue delivery job: %w", err)
	}

	n.logger.Debug("OTP delivery job enqueued",
		util.String("channel", job.Channel),
	)
	return nil
}

func channelFor(destination string) string {
	for _, r := range destination {
		if r == '@' {
			return "email"
		}
	}
	return "sms"
}

// NopNotifier discards codes; used in development when no broker is
// available. It logs the dispatch, never the code.
type NopNotifier struct {
	logger *zap.Logger
}

func NewNopNotifier(logger *zap.Logger) *NopNotifier {
	return &NopNotifier{logger: logger}
}

func (n *NopNotifier) Send(ctx context.Context, destination, code string) error {
	n.logger.Info("OTP delivery skipped (nop notifier)",
		util.String("subject", util.ContactDigest(destination)),
	)
	return nil
}
