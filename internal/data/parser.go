// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/logging"
)

var log = logging.NewLogger("normalizer")

// Field names. The id* names are canonical; the camel-case ids are deprecated aliases.
var (
	machineFields   = []string{"idMachine", "machineId"}
	sensorFields    = []string{"idSensor", "sensorId"}
	timestampFields = []string{"date", "observedAt", "timestamp"}
)

// Accepted string timestamp layouts, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalize turns one raw push payload into zero or more entity states.
// Arrays are processed entry by entry and envelopes carrying a "payload"
// field are unwrapped. Valid entries are always returned; the error, if any,
// is a MALFORMED_MESSAGE describing what was rejected and is meant for logging.
func Normalize(raw []byte, receivedAt time.Time) ([]EntityState, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, liveerr.Wrap(err, liveerr.CodeMalformedMessage, "payload is not valid JSON")
	}
	return NormalizeValue(payload, receivedAt)
}

// NormalizeValue is Normalize for an already decoded payload.
func NormalizeValue(payload any, receivedAt time.Time) ([]EntityState, error) {
	var (
		states   []EntityState
		rejected int
		lastErr  error
	)

	var walk func(v any, depth int)
	walk = func(v any, depth int) {
		if depth > 4 {
			rejected++
			lastErr = liveerr.MalformedMessage("payload nested too deeply")
			return
		}
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				walk(item, depth+1)
			}
		case map[string]any:
			if inner, ok := t["payload"]; ok && !hasAny(t, machineFields) {
				walk(inner, depth+1)
				return
			}
			state, err := FromRecord(t, receivedAt)
			if err != nil {
				rejected++
				lastErr = err
				return
			}
			states = append(states, state)
		default:
			rejected++
			lastErr = liveerr.MalformedMessage(fmt.Sprintf("unexpected %T entry", v))
		}
	}
	walk(payload, 0)

	if rejected > 0 {
		le := liveerr.Wrap(lastErr, liveerr.CodeMalformedMessage,
			fmt.Sprintf("rejected %d of %d entries", rejected, rejected+len(states)))
		return states, le.WithDetail("rejected", rejected)
	}
	return states, nil
}

// RejectedCount reports how many entries a Normalize error stands for.
func RejectedCount(err error) int {
	var le *liveerr.LiveError
	if errors.As(err, &le) {
		if n, ok := le.Details["rejected"].(int); ok && n > 0 {
			return n
		}
	}
	return 1
}

// FromRecord validates a single decoded reading. It needs a machine id, a
// non-null value and a parseable timestamp; the sensor id is optional.
func FromRecord(rec map[string]any, receivedAt time.Time) (EntityState, error) {
	machineID, ok := identifier(rec, machineFields)
	if !ok {
		return EntityState{}, liveerr.MalformedMessage("missing machine id")
	}
	sensorID, _ := identifier(rec, sensorFields)

	value, ok := rec["value"]
	if !ok || value == nil {
		return EntityState{}, liveerr.MalformedMessage("missing value").
			WithDetail("machine", machineID)
	}

	observedAt, err := timestamp(rec)
	if err != nil {
		return EntityState{}, err
	}

	return EntityState{
		Key:        EntityKey{MachineID: machineID, SensorID: sensorID},
		Value:      value,
		ObservedAt: observedAt,
		ReceivedAt: receivedAt,
	}, nil
}

func hasAny(rec map[string]any, fields []string) bool {
	for _, f := range fields {
		if _, ok := rec[f]; ok {
			return true
		}
	}
	return false
}

func identifier(rec map[string]any, fields []string) (string, bool) {
	for i, f := range fields {
		v, ok := rec[f]
		if !ok || v == nil {
			continue
		}
		var id string
		switch t := v.(type) {
		case string:
			id = t
		case float64:
			id = strconv.FormatFloat(t, 'f', -1, 64)
		case map[string]any:
			// editor select object {value, label}
			if s, ok := t["value"].(string); ok {
				id = s
			}
		}
		if id == "" {
			continue
		}
		if i > 0 {
			log.WithField("field", f).Debug("deprecated identifier alias in payload")
		}
		return id, true
	}
	return "", false
}

func timestamp(rec map[string]any) (time.Time, error) {
	for _, f := range timestampFields {
		v, ok := rec[f]
		if !ok || v == nil {
			continue
		}
		t, err := ParseTime(v)
		if err != nil {
			return time.Time{}, liveerr.Wrap(err, liveerr.CodeMalformedMessage, "invalid timestamp").
				WithDetail("field", f)
		}
		return t, nil
	}
	return time.Time{}, liveerr.MalformedMessage("missing timestamp")
}

// ParseTime accepts RFC 3339 style strings and unix epoch numbers. Numbers
// above 1e11 are read as milliseconds, below as seconds.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			return time.Time{}, fmt.Errorf("invalid epoch %v", t)
		}
		if t > 1e11 {
			return time.UnixMilli(int64(t)).UTC(), nil
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case time.Time:
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time type %T", v)
}
