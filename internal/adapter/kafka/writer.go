package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/riverflows/internal/config"
	"github.com/couchcryptid/riverflows/internal/datasource"
	"github.com/couchcryptid/riverflows/internal/domain"
)

// Writer produces one message per favorite to a Kafka topic.
// It implements pipeline.SnapshotPublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Reading is the message value published for a favorite.
type Reading struct {
	FavoriteID     int64                 `json:"favorite_id"`
	SiteID         string                `json:"site_id"`
	SiteName       string                `json:"site_name"`
	VariableID     string                `json:"variable_id"`
	CommonVariable domain.CommonVariable `json:"common_variable"`
	Unit           string                `json:"unit"`
	ObservedAt     *time.Time            `json:"observed_at,omitempty"`
	Value          *float64              `json:"value"`
	Qualifiers     string                `json:"qualifiers,omitempty"`
	Placeholder    bool                  `json:"placeholder"`
}

// Publish writes the latest observation of every favorite in a single
// WriteMessages call. All messages share a batch_id header.
func (w *Writer) Publish(ctx context.Context, items []domain.FavoriteData) error {
	if len(items) == 0 {
		return nil
	}
	batchID := uuid.NewString()
	publishedAt := domain.Now()

	msgs := make([]kafkago.Message, len(items))
	for i := range items {
		msg, err := serializeToMessage(items[i], batchID, publishedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d readings: %w", len(msgs), err)
	}
	w.logger.Debug("published readings", "count", len(msgs), "batch_id", batchID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// messageKey keys messages by agency/site/variable so a favorite's readings
// stay on one partition.
func messageKey(fd domain.FavoriteData) string {
	return fd.Favorite.Site.ID.String() + "/" + fd.Variable.ID
}

// toReading reports the favorite's variable. When the site returned no series
// for it, the site's preferred series is reported instead.
func toReading(fd domain.FavoriteData) Reading {
	r := Reading{
		FavoriteID:     fd.Favorite.ID,
		SiteID:         fd.Favorite.Site.ID.String(),
		SiteName:       fd.Favorite.Site.Name,
		VariableID:     fd.Variable.ID,
		CommonVariable: fd.Variable.Common,
		Unit:           fd.Variable.Common.Unit(),
		Placeholder:    fd.SiteData.IsPlaceholder(),
	}
	if fd.SiteData != nil && fd.SiteData.Site.Name != "" {
		r.SiteName = fd.SiteData.Site.Name
	}
	series := fd.Series()
	if series == nil {
		series = datasource.PreferredSeries(fd.SiteData)
	}
	if series != nil {
		r.CommonVariable = series.Variable.Common
		r.Unit = series.Variable.Common.Unit()
	}
	if last, ok := series.LastObservation(); ok {
		at := last.Time.UTC()
		r.ObservedAt = &at
		r.Value = last.Value
		r.Qualifiers = last.Qualifiers
	}
	return r
}

func serializeToMessage(fd domain.FavoriteData, batchID string, publishedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(toReading(fd))
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize favorite %d: %w", fd.Favorite.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(messageKey(fd)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "batch_id", Value: []byte(batchID)},
			{Key: "published_at", Value: []byte(publishedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
