package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig selects the topic that carries position readings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource consumes JSON position readings from a Kafka topic, for
// receivers that publish to a broker instead of exposing a local daemon.
type KafkaSource struct {
	cfg       KafkaConfig
	newReader func() messageReader
}

// NewKafkaSource creates a KafkaSource. Each Watch opens its own reader.
func NewKafkaSource(cfg KafkaConfig) *KafkaSource {
	s := &KafkaSource{cfg: cfg}
	s.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        s.cfg.Brokers,
			Topic:          s.cfg.Topic,
			GroupID:        s.cfg.GroupID,
			StartOffset:    kafka.LastOffset,
			MinBytes:       1,
			MaxBytes:       1e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
		})
	}
	return s
}

// Watch emits readings taken since opts.Since. A consumer group resumes from
// its committed offset, so older messages still on the topic are read and
// skipped here.
func (s *KafkaSource) Watch(ctx context.Context, opts WatchOptions, emit func(Reading)) error {
	if len(s.cfg.Brokers) == 0 || s.cfg.Topic == "" {
		return fmt.Errorf("%w: kafka brokers and topic are required", ErrUnsupported)
	}

	r := s.newReader()
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%w: reading kafka: %v", ErrPositionUnavailable, err)
		}

		reading, err := decodeKafkaReading(msg.Value)
		if err != nil {
			slog.Warn("skipping position message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if reading.Timestamp.IsZero() {
			reading.Timestamp = msg.Time
		}
		if reading.Stale(opts.Since) {
			slog.Debug("skipping position message from before the watch", "offset", msg.Offset, "taken_at", reading.Timestamp)
			continue
		}
		emit(reading)
	}
}

// kafkaReading accepts coordinates either as JSON numbers or strings, since
// tracker firmware commonly publishes them as strings.
type kafkaReading struct {
	Lat      json.RawMessage `json:"lat"`
	Lon      json.RawMessage `json:"lon"`
	Accuracy json.RawMessage `json:"accuracy"`
	TS       string          `json:"ts"`
}

func decodeKafkaReading(data []byte) (Reading, error) {
	var raw kafkaReading
	if err := json.Unmarshal(data, &raw); err != nil {
		return Reading{}, fmt.Errorf("decoding reading: %w", err)
	}

	lat, err := flexFloat(raw.Lat)
	if err != nil {
		return Reading{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := flexFloat(raw.Lon)
	if err != nil {
		return Reading{}, fmt.Errorf("lon: %w", err)
	}
	acc, err := flexFloat(raw.Accuracy)
	if err != nil {
		return Reading{}, fmt.Errorf("accuracy: %w", err)
	}

	// Without a usable ts the caller falls back to the message time.
	var ts time.Time
	if raw.TS != "" {
		if parsed, err := time.Parse(time.RFC3339, raw.TS); err == nil {
			ts = parsed
		}
	}
	return Reading{Latitude: lat, Longitude: lon, AccuracyMeters: acc, Timestamp: ts}, nil
}

func flexFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.ParseFloat(s, 64)
}
