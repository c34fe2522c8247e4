// internal/snapshot/influx.go
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/metrics"
)

// Tag names used for readings in InfluxDB.
const (
	TagMachine = "idMachine"
	TagSensor  = "idSensor"
)

// InfluxLoader reads the last point per (machine, sensor) from InfluxDB.
type InfluxLoader struct {
	query       api.QueryAPI
	bucket      string
	measurement string
	lookback    time.Duration
	now         func() time.Time
}

func NewInfluxLoader(query api.QueryAPI, bucket, measurement string, lookback time.Duration) *InfluxLoader {
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &InfluxLoader{
		query:       query,
		bucket:      bucket,
		measurement: measurement,
		lookback:    lookback,
		now:         time.Now,
	}
}

// BuildQuery returns the Flux query selecting the latest point of every key.
func (l *InfluxLoader) BuildQuery(keys []data.EntityKey) string {
	preds := make([]string, 0, len(keys))
	for _, k := range keys {
		preds = append(preds, fmt.Sprintf("(r.%s == %s and r.%s == %s)",
			TagMachine, strconv.Quote(k.MachineID), TagSensor, strconv.Quote(k.SensorID)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", strconv.Quote(l.bucket))
	fmt.Fprintf(&b, "  |> range(start: -%ds)\n", int64(l.lookback.Seconds()))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", strconv.Quote(l.measurement))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(preds, " or "))
	b.WriteString("  |> last()\n")
	return b.String()
}

// Load runs one Flux query. A key can come back once per field; Replace
// keeps the newest of those.
func (l *InfluxLoader) Load(ctx context.Context, cfg *chart.Configuration) ([]data.EntityState, error) {
	keys := cfg.EntityKeys()
	if len(keys) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.SnapshotDuration.WithLabelValues("influx").Observe(time.Since(start).Seconds()) }()

	result, err := l.query.Query(ctx, l.BuildQuery(keys))
	if err != nil {
		return nil, liveerr.FetchFailed("influx:"+l.bucket, err)
	}
	defer result.Close()

	loadedAt := l.now()
	var states []data.EntityState
	for result.Next() {
		rec := result.Record()
		machine, _ := rec.ValueByKey(TagMachine).(string)
		sensor, _ := rec.ValueByKey(TagSensor).(string)
		if machine == "" || rec.Value() == nil {
			continue
		}
		states = append(states, data.EntityState{
			Key:        data.EntityKey{MachineID: machine, SensorID: sensor},
			Value:      rec.Value(),
			ObservedAt: rec.Time().UTC(),
			ReceivedAt: loadedAt,
		})
	}
	if err := result.Err(); err != nil {
		return nil, liveerr.FetchFailed("influx:"+l.bucket, err).WithDetail("reason", "malformed body")
	}
	return states, nil
}
