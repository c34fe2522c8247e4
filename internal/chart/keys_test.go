package chart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
)

func TestDeriveKeysModeCombine(t *testing.T) {
	c := &Configuration{Kind: KindModeCombine, Machine: "M1", SensorManual: "S1", SensorAutomatic: "S2"}

	got := DeriveKeys(c)
	assert.Equal(t, []string{"sensorstate:S1:M1", "sensorstate:S2:M1"}, got.Topics())
}

func TestDeriveKeysDeduplicates(t *testing.T) {
	c := &Configuration{Kind: KindModeCombine, Machine: "M1", SensorManual: "S1", SensorAutomatic: "S1"}
	assert.Len(t, DeriveKeys(c), 1)

	m := &Configuration{Kind: KindMap, Machines: []MachineSensor{
		{Machine: "M1", Sensor: "GPS", SensorHeading: "HDG"},
		{Machine: "M1", Sensor: "GPS"},
		{Machine: "M2", Sensor: "GPS"},
	}}
	assert.Equal(t,
		[]string{"sensorstate:GPS:M1", "sensorstate:GPS:M2", "sensorstate:HDG:M1"},
		DeriveKeys(m).Topics())
}

func TestDeriveKeysSkipsIncompletePairs(t *testing.T) {
	c := &Configuration{Kind: KindGroup, Machines: []MachineSensor{
		{Machine: "M1", Sensor: "S1"},
		{Machine: "M2"},
		{Sensor: "S3"},
		{Machine: "  ", Sensor: "S4"},
	}}
	assert.Equal(t, []string{"sensorstate:S1:M1"}, DeriveKeys(c).Topics())

	partial := &Configuration{Kind: KindModeCombine, Machine: "M1", SensorManual: "S1"}
	assert.Equal(t, []string{"sensorstate:S1:M1"}, DeriveKeys(partial).Topics())
}

func TestDeriveKeysEmpty(t *testing.T) {
	assert.Empty(t, DeriveKeys(nil))
	assert.Empty(t, DeriveKeys(&Configuration{}))
	assert.Empty(t, DeriveKeys(&Configuration{Kind: KindHistory, Machine: "M1"}))
}

func TestDeriveKeysIsDeterministic(t *testing.T) {
	c := &Configuration{Kind: KindHistory, Machine: "M1", Sensors: []Ref{"c", "a", "b"}}
	first := DeriveKeys(c)
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(DeriveKeys(c)))
	}
}

func TestChannelRoundTrip(t *testing.T) {
	key := data.EntityKey{MachineID: "M1", SensorID: "S1"}
	id := Channel(key)
	assert.Equal(t, ChannelID("sensorstate:S1:M1"), id)

	back, ok := ParseChannel(id)
	require.True(t, ok)
	assert.Equal(t, key, back)

	for _, bad := range []ChannelID{"", "sensorstate", "sensorstate::M1", "other:S1:M1", "sensorstate:S1:"} {
		_, ok := ParseChannel(bad)
		assert.False(t, ok, string(bad))
	}
}

func TestChannelSetOps(t *testing.T) {
	a := NewChannelSet("x", "y", "z")
	b := NewChannelSet("y", "w")

	assert.Equal(t, []string{"x", "z"}, a.Minus(b).Topics())
	assert.Equal(t, []string{"w"}, b.Minus(a).Topics())
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(NewChannelSet("z", "y", "x")))
}

func TestSnapshotQuery(t *testing.T) {
	c := &Configuration{ID: "chart-7", Kind: KindMap, Machines: []MachineSensor{
		{Machine: "M1", Sensor: "GPS", SensorHeading: "HDG"},
		{Machine: "M2", Sensor: "GPS"},
	}}

	q := SnapshotQuery(c)
	assert.Equal(t, "chart-7", q.Get("idChart"))
	assert.Equal(t, []string{"M1", "M2"}, q["idMachines[]"])
	assert.Equal(t, []string{"GPS", "HDG"}, q["sensors[]"])
}

func TestParseJSONWithSelectObjects(t *testing.T) {
	raw := `{
		"id": "c1",
		"kind": "ModeCombine",
		"title": "Pump",
		"machine": {"value": "M1", "label": "Pump 1"},
		"sensorManual": {"value": "S1", "label": "manual"},
		"sensorAutomatic": "S2",
		"options": {"color": "red"}
	}`

	c, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, KindModeCombine, c.Kind)
	assert.Equal(t, Ref("M1"), c.Machine)
	assert.Equal(t, Ref("S1"), c.SensorManual)
	assert.Equal(t, "red", c.Options["color"])
}

func TestParseNumericIdentifier(t *testing.T) {
	c, err := Parse([]byte(`{"kind":"sensor","machine":12,"sensor":{"value":34}}`))
	require.NoError(t, err)
	assert.Equal(t, Ref("12"), c.Machine)
	assert.Equal(t, Ref("34"), c.Sensor)
}

func TestParseYAML(t *testing.T) {
	raw := `
id: fleet-map
kind: map
machines:
  - machine: {value: M1, label: Vessel}
    sensor: GPS
    sensorHeading: HDG
  - machine: M2
    sensor: GPS
`
	c, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, c.Machines, 2)
	assert.Equal(t, Ref("M1"), c.Machines[0].Machine)
	assert.Len(t, DeriveKeys(c), 3)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown kind":       `{"kind":"pie"}`,
		"missing kind":       `{"machine":"M1"}`,
		"sensor w/o machine": `{"kind":"sensor","sensor":"S1"}`,
		"empty map":          `{"kind":"map"}`,
		"group row":          `{"kind":"group","machines":[{"sensor":"S1"}]}`,
		"bad json":           `{"kind":`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.True(t, liveerr.Is(err, liveerr.CodeConfigInvalid), "got %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kind: sensor\nmachine: M1\nsensor: S1\n"), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []data.EntityKey{{MachineID: "M1", SensorID: "S1"}}, c.EntityKeys())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, liveerr.Is(err, liveerr.CodeConfigInvalid))
}
