package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// errCodeTopicAlreadyExists is TOPIC_ALREADY_EXISTS in the Kafka protocol.
const errCodeTopicAlreadyExists = 36

func validateTopicSpec(topic string, partitions int32, replicationFactor int16) error {
	switch {
	case topic == "":
		return errors.New("topic name cannot be empty")
	case partitions <= 0:
		return errors.New("partitions must be greater than 0")
	case replicationFactor <= 0:
		return errors.New("replication factor must be greater than 0")
	}
	return nil
}

// createTopicIfNotExists issues a CreateTopics request and treats an existing
// topic as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if err := validateTopicSpec(topic, partitions, replicationFactor); err != nil {
		return err
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	return checkCreateTopicsResponse(resp)
}

func checkCreateTopicsResponse(resp *kmsg.CreateTopicsResponse) error {
	for _, t := range resp.Topics {
		switch t.ErrorCode {
		case 0:
			slog.Info("topic created", slog.String("topic", t.Topic), slog.Int("partitions", int(t.NumPartitions)))
		case errCodeTopicAlreadyExists:
			slog.Debug("topic already exists", slog.String("topic", t.Topic))
		default:
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
		}
	}
	return nil
}
