package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// TopicConfigs returns the topics the service publishes to.
func TopicConfigs(topic string) []kafkaGo.TopicConfig {
	if topic == "" {
		topic = DefaultTopic
	}
	return []kafkaGo.TopicConfig{
		{Topic: topic, NumPartitions: 3, ReplicationFactor: 1},
	}
}

// ValidateBroker checks that addr is a host:port pair with a numeric port.
func ValidateBroker(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("kafka broker address is empty")
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid broker address %s: %w", addr, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("invalid broker port %s: %w", addr, err)
	}
	return nil
}

// EnsureKafkaTopics creates the event topic when it does not exist yet.
func EnsureKafkaTopics(ctx context.Context, brokers []string, topic string, log *logger.Logger) error {
	required := TopicConfigs(topic)
	log.Infow("Ensuring Kafka topics exist...", "topics", topicNames(required))

	if len(brokers) == 0 {
		return errors.New("kafka broker address is empty")
	}
	if err := ValidateBroker(brokers[0]); err != nil {
		log.Errorw("Invalid Kafka broker address", "broker", brokers[0], "error", err)
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialLeader(connCtx, "tcp", strings.TrimSpace(brokers[0]), "", 0)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", brokers[0], "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		log.Errorw("Failed to read partitions from Kafka", "error", err)
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}

	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	missing := missingTopics(required, existing)
	if len(missing) == 0 {
		log.Infow("All required topics already exist")
		return nil
	}

	if err := conn.CreateTopics(missing...); err != nil {
		if errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Warnw("Topic already existed during creation attempt", "topics", topicNames(missing))
			return nil
		}
		log.Errorw("Failed to create topics", "error", err, "topics", topicNames(missing))
		return fmt.Errorf("kafka create topics failed: %w", err)
	}

	log.Infow("Created Kafka topics", "topics", topicNames(missing))
	return nil
}

func missingTopics(required []kafkaGo.TopicConfig, existing map[string]bool) []kafkaGo.TopicConfig {
	var out []kafkaGo.TopicConfig
	for _, tc := range required {
		if !existing[tc.Topic] {
			out = append(out, tc)
		}
	}
	return out
}

func topicNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
