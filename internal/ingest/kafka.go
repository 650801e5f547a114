package ingest

import (
	"context"
	"errors"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"clinical-coach/internal/coach"
)

// TranscriptMessage is the payload published by upstream speech-to-text
// workers, one message per finalized utterance.
type TranscriptMessage struct {
	CaseID  string `json:"case_id"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type KafkaConfig struct {
	Brokers       string
	Topic         string
	ConsumerGroup string
}

// RunTranscriptConsumer polls the transcript topic and feeds utterances into
// the registry until ctx is cancelled.
func RunTranscriptConsumer(ctx context.Context, cfg KafkaConfig, reg *coach.Registry, log *zap.Logger) error {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "earliest",
	}

	consumer, err := kafka.NewConsumer(kafkaConfig)
	if err != nil {
		return err
	}
	defer consumer.Close()

	if err := consumer.Subscribe(cfg.Topic, nil); err != nil {
		return err
	}

	log.Info("transcript consumer started",
		zap.String("topic", cfg.Topic),
		zap.String("group", cfg.ConsumerGroup))

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping transcript consumer", zap.String("topic", cfg.Topic))
			return nil
		default:
			ev := consumer.Poll(100)
			if ev == nil {
				continue
			}
			switch e := ev.(type) {
			case *kafka.Message:
				handleTranscript(e.Value, reg, log)
			case kafka.Error:
				log.Error("kafka error", zap.Error(e))
			}
		}
	}
}

func handleTranscript(payload []byte, reg *coach.Registry, log *zap.Logger) {
	var msg TranscriptMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn("dropping malformed transcript message", zap.Error(err))
		return
	}
	if msg.CaseID == "" {
		log.Warn("dropping transcript message without case_id")
		return
	}
	if err := reg.SubmitUtterance(msg.CaseID, msg.Speaker, msg.Text); err != nil {
		switch {
		case errors.Is(err, coach.ErrNotFound), errors.Is(err, coach.ErrCaseClosed):
			log.Warn("transcript message for unavailable case",
				zap.String("case_id", msg.CaseID), zap.Error(err))
		default:
			log.Error("failed to submit utterance",
				zap.String("case_id", msg.CaseID), zap.Error(err))
		}
	}
}
