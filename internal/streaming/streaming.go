// Package streaming wraps segmentio/kafka-go for the topics named in
// spec.md §6: EOD_TRIGGER and INTRADAY consumers, POSITION_CHANGE_EVENTS
// and CLIENT_REPORTING_SIGNOFF producers, and the {topic}.DLT dead-letter
// writer used by the reliability fabric.
package streaming

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/quantlayer/position-loader/internal/errors"
)

// Topic names, per spec.md §6.
const (
	TopicEodTrigger           = "EOD_TRIGGER"
	TopicIntraday             = "INTRADAY"
	TopicPositionChangeEvents = "POSITION_CHANGE_EVENTS"
	TopicClientReportingSignoff = "CLIENT_REPORTING_SIGNOFF"
)

// DeadLetterTopic returns the dead-letter partition name for topic, per
// spec.md §6's "{topic}.DLT".
func DeadLetterTopic(topic string) string {
	return topic + ".DLT"
}

// Message is the minimal envelope the pipelines exchange with the broker.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Reader consumes a single topic within a consumer group.
type Reader struct {
	r *kafka.Reader
}

// NewReader builds a Reader for topic within group, against brokers.
func NewReader(brokers []string, group, topic string) *Reader {
	return &Reader{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: group,
		Topic:   topic,
	})}
}

// FetchBatch reads up to maxMessages without committing offsets; the
// caller commits via CommitMessages once the batch has been fully
// processed and dispatched, per spec.md §9's dispatcher/worker-pool shape.
func (r *Reader) FetchBatch(ctx context.Context, maxMessages int) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, maxMessages)
	for i := 0; i < maxMessages; i++ {
		m, err := r.r.FetchMessage(ctx)
		if err != nil {
			if len(msgs) > 0 {
				return msgs, nil
			}
			return nil, errors.Classify(errors.KindTransient, "fetch message", "streaming", r.r.Config().Topic, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// CommitMessages acknowledges the given messages' offsets.
func (r *Reader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := r.r.CommitMessages(ctx, msgs...); err != nil {
		return errors.Classify(errors.KindTransient, "commit offsets", "streaming", r.r.Config().Topic, err)
	}
	return nil
}

// Close releases the reader's connection.
func (r *Reader) Close() error {
	return r.r.Close()
}

// Writer produces messages to one topic.
type Writer struct {
	w *kafka.Writer
}

// NewWriter builds a Writer for topic against brokers.
func NewWriter(brokers []string, topic string) *Writer {
	return &Writer{w: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

// Write produces one message keyed by key.
func (w *Writer) Write(ctx context.Context, key, value []byte) error {
	if err := w.w.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return errors.Classify(errors.KindTransient, "produce message", "streaming", w.w.Topic, err)
	}
	return nil
}

// Flush waits for any buffered messages to be delivered, used during
// graceful drain (spec.md §4.4).
func (w *Writer) Flush(ctx context.Context) error {
	return w.Close()
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	return w.w.Close()
}

// DeadLetterWriter produces a failed message's original payload to its
// topic's dead-letter partition, tagged with the failure reason.
type DeadLetterWriter struct {
	writers map[string]*Writer
	brokers []string
}

// NewDeadLetterWriter builds a DeadLetterWriter that lazily opens one
// Writer per originating topic's DLT.
func NewDeadLetterWriter(brokers []string) *DeadLetterWriter {
	return &DeadLetterWriter{writers: map[string]*Writer{}, brokers: brokers}
}

// Send writes msg to originatingTopic's dead-letter partition.
func (d *DeadLetterWriter) Send(ctx context.Context, originatingTopic string, key, value []byte) error {
	w, ok := d.writers[originatingTopic]
	if !ok {
		w = NewWriter(d.brokers, DeadLetterTopic(originatingTopic))
		d.writers[originatingTopic] = w
	}
	return w.Write(ctx, key, value)
}

// Close closes every opened dead-letter writer.
func (d *DeadLetterWriter) Close() error {
	var errs []error
	for _, w := range d.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Chain(errs...)
}
