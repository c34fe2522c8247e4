// internal/ingest/influx.go
package ingest

import (
	"context"
	"encoding/json"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"golang.org/x/sync/errgroup"

	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/snapshot"
)

const (
	defaultBatchSize = 500
	maxConcurrent    = 4
)

// InfluxWriter stores readings as points tagged by machine and sensor. The
// field name depends on the value type so one series never mixes types:
// value (number), state (bool), text (string), json (anything else).
type InfluxWriter struct {
	api         api.WriteAPIBlocking
	measurement string
	batchSize   int
}

func NewInfluxWriter(w api.WriteAPIBlocking, measurement string) *InfluxWriter {
	return &InfluxWriter{api: w, measurement: measurement, batchSize: defaultBatchSize}
}

// Write sends states in batches, several batches at a time.
func (w *InfluxWriter) Write(ctx context.Context, states []data.EntityState) error {
	points := make([]*write.Point, 0, len(states))
	for _, st := range states {
		name, value := field(st.Value)
		tags := map[string]string{snapshot.TagMachine: st.Key.MachineID}
		if st.Key.SensorID != "" {
			tags[snapshot.TagSensor] = st.Key.SensorID
		}
		points = append(points, write.NewPoint(w.measurement, tags, map[string]any{name: value}, st.ObservedAt))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for start := 0; start < len(points); start += w.batchSize {
		batch := points[start:min(start+w.batchSize, len(points))]
		g.Go(func() error {
			if err := w.api.WritePoint(ctx, batch...); err != nil {
				return liveerr.Wrap(err, liveerr.CodeInternal, "influx write failed").
					WithDetail("points", len(batch))
			}
			return nil
		})
	}
	return g.Wait()
}

func field(v any) (string, any) {
	switch t := v.(type) {
	case float64, float32, int, int64, int32, uint, uint64, uint32:
		return "value", t
	case bool:
		return "state", t
	case string:
		return "text", t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "text", ""
		}
		return "json", string(b)
	}
}
