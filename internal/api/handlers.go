package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict
	"github.com/sirupsen/logrus"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/ingest"
	"sensorstate-gateway/internal/live"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/storage"
	"sensorstate-gateway/internal/websocket"
)

const maxBodySize = 1 << 20

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dashboards are served from other origins
}

type APIHandler struct {
	ctx      context.Context // server lifetime, ends websocket write pumps
	store    *storage.Store
	ingestor *ingest.Ingestor
	hub      *websocket.Hub
	charts   *live.Registry
	log      *logrus.Entry
}

func NewAPIHandler(ctx context.Context, store *storage.Store, ingestor *ingest.Ingestor, hub *websocket.Hub, charts *live.Registry) *APIHandler {
	return &APIHandler{
		ctx:      ctx,
		store:    store,
		ingestor: ingestor,
		hub:      hub,
		charts:   charts,
		log:      logging.NewLogger("api"),
	}
}

// HandleDataIngest receives one reading or an array of readings from producers.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.log.WithError(err).Warn("error reading request body")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	defer r.Body.Close()

	res, err := h.ingestor.Ingest(r.Context(), "http", body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "received",
		"accepted": res.Accepted,
		"applied":  res.Applied,
		"rejected": res.Rejected,
	})
}

// HandleLastState serves the last known reading of every requested
// (machine, sensor) pair from the gateway's store.
func (h *APIHandler) HandleLastState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var keys []data.EntityKey
	for _, m := range q["idMachines[]"] {
		for _, s := range q["sensors[]"] {
			keys = append(keys, data.EntityKey{MachineID: m, SensorID: s})
		}
	}

	states := h.store.Select(keys)
	readings := make([]data.Reading, 0, len(states))
	for _, st := range states {
		readings = append(readings, st.Reading())
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": readings})
}

// HandleWebSocket upgrades connections and registers clients with the hub.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	client := websocket.NewClient(h.hub, conn, uuid.NewString())
	client.Hub.RegisterClient(client)

	// Start read/write pumps in separate goroutines
	go client.WritePump(h.ctx)
	go client.ReadPump() // Must run ReadPump to handle control messages (join, leave, close, pong)

	h.log.WithField("client", client.ID).WithField("remote", conn.RemoteAddr().String()).Info("websocket connection established")
}

type chartView struct {
	ID      string         `json:"id"`
	Loading bool           `json:"loading"`
	Error   string         `json:"error,omitempty"`
	Live    bool           `json:"live"`
	States  []data.Reading `json:"states"`
	Stats   live.Stats     `json:"stats"`
}

func viewOf(s *live.Session) chartView {
	v := s.Snapshot()
	out := chartView{ID: s.ID(), Loading: v.Loading, Live: v.Live, Stats: s.Stats(), States: make([]data.Reading, 0, len(v.States))}
	if v.Err != nil {
		out.Error = v.Err.Error()
	}
	for _, st := range v.States {
		out.States = append(out.States, st.Reading())
	}
	return out
}

// HandleListCharts lists mounted chart ids.
func (h *APIHandler) HandleListCharts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"charts": h.charts.IDs()})
}

// HandlePutChart mounts a chart or applies a new configuration to it.
func (h *APIHandler) HandlePutChart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	cfg, err := chart.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		writeError(w, liveerr.ConfigInvalid("chart id does not match the URL").WithDetail("id", cfg.ID))
		return
	}

	s, created, err := h.charts.Mount(r.Context(), id, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewOf(s))
}

// HandleGetChart returns the chart's current entity states.
func (h *APIHandler) HandleGetChart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.charts.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "chart not mounted"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

// HandleReloadChart reloads the chart's snapshot.
func (h *APIHandler) HandleReloadChart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.charts.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "chart not mounted"})
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(s))
}

// HandleDeleteChart unmounts the chart.
func (h *APIHandler) HandleDeleteChart(w http.ResponseWriter, r *http.Request) {
	found, err := h.charts.Unmount(r.Context(), chi.URLParam(r, "id"))
	switch {
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "chart not mounted"})
	case err != nil:
		// the session is gone; only the leave failed
		h.log.WithError(err).Warn("chart unmounted with errors")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *APIHandler) HandleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"clients":  h.hub.Clients(),
		"entities": h.store.Len(),
		"charts":   len(h.charts.IDs()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch liveerr.GetCode(err) {
	case liveerr.CodeConfigInvalid, liveerr.CodeMalformedMessage:
		status = http.StatusBadRequest
	case liveerr.CodeFetchFailed, liveerr.CodeSubscriptionFailed:
		status = http.StatusBadGateway
	case liveerr.CodeTransportClosed:
		status = http.StatusServiceUnavailable
	}
	if err == live.ErrUnmounted {
		status = http.StatusNotFound
	}
	var le *liveerr.LiveError
	if errors.As(err, &le) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, le.ToJSON())
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
