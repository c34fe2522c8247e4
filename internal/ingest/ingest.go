// internal/ingest/ingest.go
package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/metrics"
	"sensorstate-gateway/internal/storage"
)

// Publisher fans a message out to the subscribers of a topic.
type Publisher interface {
	PublishJSON(topic string, v any)
}

// Writer persists accepted readings.
type Writer interface {
	Write(ctx context.Context, states []data.EntityState) error
}

// Result summarizes one ingested payload.
type Result struct {
	Accepted int `json:"accepted"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected,omitempty"`
}

// Ingestor is the gateway pipeline shared by HTTP and queue ingestion:
// normalize, reconcile into the last-state store, publish what changed,
// then persist.
type Ingestor struct {
	store  *storage.Store
	pub    Publisher
	writer Writer
	now    func() time.Time
	log    *logrus.Entry
}

// New builds an Ingestor. writer may be nil when no history store is configured.
func New(store *storage.Store, pub Publisher, writer Writer) *Ingestor {
	return &Ingestor{
		store:  store,
		pub:    pub,
		writer: writer,
		now:    time.Now,
		log:    logging.NewLogger("ingest"),
	}
}

// Ingest processes one raw payload from source. It fails only when the
// payload holds no valid reading; partially valid batches are accepted.
func (i *Ingestor) Ingest(ctx context.Context, source string, raw []byte) (Result, error) {
	states, err := data.Normalize(raw, i.now())
	var res Result
	if err != nil {
		res.Rejected = data.RejectedCount(err)
		metrics.UpdatesTotal.WithLabelValues("gateway", metrics.OutcomeMalformed).Add(float64(res.Rejected))
		i.log.WithError(err).WithField("source", source).Debug("rejected readings")
	}
	if len(states) == 0 {
		if err == nil {
			err = liveerr.MalformedMessage("no readings in payload")
		}
		return res, err
	}

	res.Accepted = len(states)
	metrics.IngestedReadings.WithLabelValues(source).Add(float64(len(states)))
	for _, st := range states {
		if !i.store.ApplyUpdate(st) {
			metrics.UpdatesTotal.WithLabelValues("gateway", metrics.OutcomeStale).Inc()
			continue
		}
		res.Applied++
		metrics.UpdatesTotal.WithLabelValues("gateway", metrics.OutcomeApplied).Inc()
		if i.pub != nil && st.Key.Complete() {
			i.pub.PublishJSON(string(chart.Channel(st.Key)), []data.Reading{st.Reading()})
		}
	}

	if i.writer != nil {
		if err := i.writer.Write(ctx, states); err != nil {
			i.log.WithError(err).WithField("readings", len(states)).Warn("persisting readings failed")
		}
	}
	return res, nil
}
