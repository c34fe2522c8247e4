package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorstate-gateway/internal/data"
)

var (
	m1s1 = data.EntityKey{MachineID: "m1", SensorID: "s1"}
	m2s2 = data.EntityKey{MachineID: "m2", SensorID: "s2"}
)

func state(key data.EntityKey, value any, observed int64) data.EntityState {
	return data.EntityState{
		Key:        key,
		Value:      value,
		ObservedAt: time.Unix(observed, 0),
		ReceivedAt: time.Now(),
	}
}

func TestApplyUpdateLatestWins(t *testing.T) {
	s := NewStore()

	assert.True(t, s.ApplyUpdate(state(m1s1, 10, 100)))
	assert.True(t, s.ApplyUpdate(state(m1s1, 20, 200)))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 20, snap[0].Value)
}

func TestApplyUpdateRejectsStale(t *testing.T) {
	s := NewStore()
	s.ApplyUpdate(state(m1s1, 10, 100))
	s.ApplyUpdate(state(m1s1, 20, 200))

	assert.False(t, s.ApplyUpdate(state(m1s1, 30, 150)))
	// equal observedAt is a duplicate, not an update
	assert.False(t, s.ApplyUpdate(state(m1s1, 40, 200)))

	got, ok := s.Get(m1s1)
	require.True(t, ok)
	assert.Equal(t, 20, got.Value)
}

func TestApplyUpdateKeyIndependence(t *testing.T) {
	s := NewStore()
	s.ApplyUpdate(state(m1s1, 1, 100))
	other := state(m2s2, "b", 100)
	s.ApplyUpdate(other)

	s.ApplyUpdate(state(m1s1, 2, 300))
	s.ApplyUpdate(state(m1s1, 3, 50))

	got, ok := s.Get(m2s2)
	require.True(t, ok)
	assert.Equal(t, other, got)
	assert.Equal(t, 2, s.Len())
}

func TestReplaceIsWholesale(t *testing.T) {
	s := NewStore()
	s.ApplyUpdate(state(m1s1, 1, 500))

	s.Replace([]data.EntityState{state(m2s2, "x", 10)})

	_, ok := s.Get(m1s1)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	s.Replace(nil)
	assert.Equal(t, 0, s.Len())
}

func TestReplaceKeepsNewestDuplicate(t *testing.T) {
	s := NewStore()
	s.Replace([]data.EntityState{
		state(m1s1, "new", 200),
		state(m1s1, "old", 100),
	})

	got, _ := s.Get(m1s1)
	assert.Equal(t, "new", got.Value)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	s.ApplyUpdate(state(m1s1, 1, 100))

	snap := s.Snapshot()
	snap[0].Value = 999

	got, _ := s.Get(m1s1)
	assert.Equal(t, 1, got.Value)
	assert.Equal(t, 1, s.Len())
}

func TestSnapshotOrdering(t *testing.T) {
	s := NewStore()
	s.ApplyUpdate(state(data.EntityKey{MachineID: "b", SensorID: "1"}, 0, 1))
	s.ApplyUpdate(state(data.EntityKey{MachineID: "a", SensorID: "2"}, 0, 1))
	s.ApplyUpdate(state(data.EntityKey{MachineID: "a", SensorID: "1"}, 0, 1))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].Key.MachineID)
	assert.Equal(t, "1", snap[0].Key.SensorID)
	assert.Equal(t, "b", snap[2].Key.MachineID)
}

func TestSelect(t *testing.T) {
	s := NewStore()
	s.ApplyUpdate(state(m1s1, 1, 1))
	s.ApplyUpdate(state(m2s2, 2, 1))

	got := s.Select([]data.EntityKey{m2s2, {MachineID: "zz", SensorID: "zz"}})
	require.Len(t, got, 1)
	assert.Equal(t, m2s2, got[0].Key)
}

func TestConcurrentReadersNeverSeePartialReplace(t *testing.T) {
	s := NewStore()
	full := []data.EntityState{state(m1s1, 1, 1), state(m2s2, 2, 1)}
	s.Replace(full)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Replace(full)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		assert.Len(t, s.Snapshot(), 2)
	}
	close(stop)
	wg.Wait()
}

func TestStructuredValuesAreNotAliased(t *testing.T) {
	s := NewStore()
	input := map[string]any{"lat": 1.0, "path": []any{1.0, 2.0}}
	require.True(t, s.ApplyUpdate(state(m1s1, input, 1)))
	input["lat"] = 50.0

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	pos := snap[0].Value.(map[string]any)
	pos["lat"] = 99.0
	pos["path"].([]any)[0] = 99.0

	sel := s.Select([]data.EntityKey{m1s1})
	sel[0].Value.(map[string]any)["lat"] = 77.0

	got, ok := s.Get(m1s1)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"lat": 1.0, "path": []any{1.0, 2.0}}, got.Value)

	s.Replace([]data.EntityState{state(m2s2, []any{map[string]any{"on": true}}, 2)})
	snap = s.Snapshot()
	snap[0].Value.([]any)[0].(map[string]any)["on"] = false
	got, _ = s.Get(m2s2)
	assert.Equal(t, []any{map[string]any{"on": true}}, got.Value)
}
