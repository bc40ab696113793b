package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/config"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// TrackMessage is the JSON value published for every stitched track.
type TrackMessage struct {
	Model       string       `json:"model"`
	Exp         string       `json:"exp"`
	RunID       string       `json:"run_id"`
	BlockStart  time.Time    `json:"block_start"`
	BlockEnd    time.Time    `json:"block_end"`
	Artifact    string       `json:"artifact,omitempty"`
	Track       domain.Track `json:"track"`
	ProcessedAt time.Time    `json:"processed_at"`
}

// Writer produces track messages to a Kafka topic.
// It implements pipeline.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured track topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTrackTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishTracks serializes every track of a block and publishes them in a
// single WriteMessages call. Messages are keyed by model, experiment and
// track ID so that re-stitched blocks land on the same partition.
func (w *Writer) PublishTracks(ctx context.Context, b domain.Block) error {
	if len(b.Tracks) == 0 {
		return nil
	}
	processedAt := domain.Now().UTC()
	msgs := make([]kafkago.Message, len(b.Tracks))
	for i := range b.Tracks {
		msg, err := serializeToMessage(b, b.Tracks[i], processedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish tracks: %w", err)
	}
	w.logger.Debug("tracks published", "topic", w.writer.Topic, "count", len(msgs), "block_start", b.Window.BlockStart)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals one track of a block into a Kafka message.
func serializeToMessage(b domain.Block, track domain.Track, processedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(TrackMessage{
		Model:       b.Model,
		Exp:         b.Exp,
		RunID:       b.RunID,
		BlockStart:  b.Window.BlockStart,
		BlockEnd:    b.Window.BlockEnd,
		Artifact:    b.Artifact,
		Track:       track,
		ProcessedAt: processedAt,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize track: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(b.Model + "/" + b.Exp + "/" + track.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(b.RunID)},
			{Key: "processed_at", Value: []byte(processedAt.Format(time.RFC3339))},
		},
	}, nil
}
