package audit

import (
	"context"

	"github.com/andrej220/sshgate/pkg/kafkautil"
)

type publisher interface {
	Publish(ctx context.Context, key string, value Record) error
}

// KafkaRecorder publishes records keyed by host.
type KafkaRecorder struct {
	pub publisher
}

func NewKafkaRecorder(pub *kafkautil.Publisher[Record]) *KafkaRecorder {
	return &KafkaRecorder{pub: pub}
}

func (k *KafkaRecorder) Record(ctx context.Context, rec Record) error {
	return k.pub.Publish(ctx, rec.Host, rec)
}
