// internal/data/models.go
package data

import "time"

// keySeparator joins key components; it never appears in machine or sensor ids.
const keySeparator = "\x1f"

// EntityKey identifies one live data series. SensorID is empty for
// machine-level entities.
type EntityKey struct {
	MachineID string `json:"idMachine"`
	SensorID  string `json:"idSensor,omitempty"`
}

// String is the canonical map key form.
func (k EntityKey) String() string {
	return k.MachineID + keySeparator + k.SensorID
}

// Complete reports whether both components are set.
func (k EntityKey) Complete() bool {
	return k.MachineID != "" && k.SensorID != ""
}

// EntityState is the latest known value for one EntityKey.
// ObservedAt orders updates; ReceivedAt is arrival time and is only informational.
type EntityState struct {
	Key        EntityKey `json:"key"`
	Value      any       `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Reading is the wire record used by the snapshot API and push payloads.
type Reading struct {
	IDMachine string    `json:"idMachine"`
	IDSensor  string    `json:"idSensor,omitempty"`
	Value     any       `json:"value"`
	Date      time.Time `json:"date"`
}

// Reading converts the state back to its wire form.
func (s EntityState) Reading() Reading {
	return Reading{
		IDMachine: s.Key.MachineID,
		IDSensor:  s.Key.SensorID,
		Value:     s.Value,
		Date:      s.ObservedAt,
	}
}

// Clone returns a copy of s whose Value shares no maps or slices with s.
func (s EntityState) Clone() EntityState {
	s.Value = cloneValue(s.Value)
	return s
}

// cloneValue deep-copies the JSON container types the normalizer produces.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
