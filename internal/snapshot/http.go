// internal/snapshot/http.go
package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/metrics"
)

// DefaultPath is the last-state resource of the snapshot API.
const DefaultPath = "/sensorstate/last/machines/sensors"

const maxBodySize = 8 << 20

// HTTPLoader queries the snapshot API:
//
//	GET <base><path>?idChart=..&idMachines[]=..&sensors[]=..  ->  {"data": [Record...]}
type HTTPLoader struct {
	baseURL string
	path    string
	token   string
	client  *http.Client
	now     func() time.Time
}

func NewHTTPLoader(baseURL, path, token string, timeout time.Duration) *HTTPLoader {
	if path == "" {
		path = DefaultPath
	}
	return &HTTPLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    "/" + strings.TrimLeft(path, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type envelope struct {
	Success *bool            `json:"success,omitempty"`
	Message string           `json:"message,omitempty"`
	Data    []map[string]any `json:"data"`
}

func (l *HTTPLoader) Load(ctx context.Context, cfg *chart.Configuration) ([]data.EntityState, error) {
	if len(cfg.EntityKeys()) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.SnapshotDuration.WithLabelValues("http").Observe(time.Since(start).Seconds()) }()

	resource := l.baseURL + l.path + "?" + chart.SnapshotQuery(cfg).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return nil, liveerr.FetchFailed(l.path, err)
	}
	req.Header.Set("Accept", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, liveerr.FetchFailed(l.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, liveerr.FetchStatus(l.path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&env); err != nil {
		return nil, liveerr.FetchFailed(l.path, err).WithDetail("reason", "malformed body")
	}
	if env.Success != nil && !*env.Success {
		return nil, liveerr.New(liveerr.CodeFetchFailed, "snapshot API reported failure: "+env.Message).
			WithDetail("resource", l.path)
	}

	loadedAt := l.now()
	states := make([]data.EntityState, 0, len(env.Data))
	for _, rec := range env.Data {
		st, err := data.FromRecord(rec, loadedAt)
		if err != nil {
			log.WithError(err).Debug("skipping snapshot record")
			continue
		}
		states = append(states, st)
	}
	return states, nil
}
