package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal/notify"
)

type Stats struct {
	ConnectionHealthy bool
	Sent              int64
	WriteErrorCount   int64
	LastError         string
	LastSentAt        time.Time
}

// Notifier publishes notifications to a kafka topic, keyed by data file id.
type Notifier struct {
	config   kafka.ConfigMap
	producer *kafka.Producer
	topic    string
	brokers  string
	logger   *zap.Logger

	statsMu sync.RWMutex
	stats   Stats
}

// NewNotifier builds a notifier from kafka://host:port/topic?key=value.
// Query parameters are passed to the producer config.
func NewNotifier(uri *url.URL, logger *zap.Logger) (*Notifier, error) {
	if uri.Scheme != "kafka" {
		return nil, fmt.Errorf("unsupported notifier scheme: %q", uri.Scheme)
	}

	topic := strings.TrimPrefix(uri.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("topic must be specified in URL path")
	}

	brokers := uri.Host
	if brokers == "" {
		return nil, fmt.Errorf("broker must be specified in URL host")
	}

	config := kafka.ConfigMap{
		"bootstrap.servers":   brokers,
		"client.id":           "mapfiles",
		"acks":                "1",
		"retries":             "3",
		"linger.ms":           "5",
		"compression.type":    "snappy",
		"request.timeout.ms":  "5000",
		"delivery.timeout.ms": "10000",
	}

	for key, values := range uri.Query() {
		if len(values) > 0 {
			config[key] = values[0]
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Notifier{
		config:  config,
		topic:   topic,
		brokers: brokers,
		logger:  logger,
	}, nil
}

func (n *Notifier) Topic() string {
	return n.topic
}

func (n *Notifier) Connect(ctx context.Context) error {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()

	producer, err := kafka.NewProducer(&n.config)
	if err != nil {
		n.stats.ConnectionHealthy = false
		n.stats.LastError = err.Error()
		return err
	}

	n.producer = producer
	n.stats.ConnectionHealthy = true
	n.stats.LastError = ""

	go func() {
		defer n.logger.Info("producer event loop closed")

		for e := range producer.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					n.logger.Error("delivery failed", zap.Error(ev.TopicPartition.Error))
				} else {
					n.logger.Debug("notification delivered",
						zap.String("topic", *ev.TopicPartition.Topic),
						zap.Int32("partition", ev.TopicPartition.Partition),
						zap.Int64("offset", int64(ev.TopicPartition.Offset)))
				}
			case kafka.Error:
				n.logger.Error("producer error", zap.Error(ev))
			}
		}
	}()

	n.logger.Info("kafka notifier connected",
		zap.String("topic", n.topic),
		zap.String("brokers", n.brokers))
	return nil
}

func (n *Notifier) Notify(ctx context.Context, notification notify.Notification) error {
	if n.producer == nil {
		return fmt.Errorf("kafka notifier is not connected")
	}

	value, err := json.Marshal(notification)
	if err != nil {
		n.recordError(err)
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &n.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(strconv.FormatInt(notification.DataFileID, 10)),
		Value: value,
	}

	if err := n.producer.Produce(message, nil); err != nil {
		n.recordError(err)
		return err
	}

	n.statsMu.Lock()
	n.stats.Sent++
	n.stats.LastSentAt = time.Now()
	n.stats.LastError = ""
	n.statsMu.Unlock()
	return nil
}

func (n *Notifier) recordError(err error) {
	n.statsMu.Lock()
	n.stats.WriteErrorCount++
	n.stats.LastError = err.Error()
	n.statsMu.Unlock()
}

func (n *Notifier) Close(ctx context.Context) error {
	if n.producer != nil {
		n.producer.Flush(5000)
		n.producer.Close()
	}

	n.statsMu.Lock()
	n.stats.ConnectionHealthy = false
	n.statsMu.Unlock()
	return nil
}

func (n *Notifier) Stats() Stats {
	n.statsMu.RLock()
	defer n.statsMu.RUnlock()
	return n.stats
}
