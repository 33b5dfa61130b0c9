package bus

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter lets tests replace the Kafka writer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return newKafkaSink(w)
}
