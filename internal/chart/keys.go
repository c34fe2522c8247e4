// internal/chart/keys.go
package chart

import (
	"net/url"
	"sort"
	"strings"

	"sensorstate-gateway/internal/data"
)

const channelPrefix = "sensorstate"

// ChannelID names the pub/sub topic carrying updates for one entity key.
type ChannelID string

// Channel builds the channel for key: sensorstate:{sensorId}:{machineId}.
func Channel(key data.EntityKey) ChannelID {
	return ChannelID(channelPrefix + ":" + key.SensorID + ":" + key.MachineID)
}

// ParseChannel inverts Channel. Sensor ids containing ':' are not supported.
func ParseChannel(id ChannelID) (data.EntityKey, bool) {
	parts := strings.SplitN(string(id), ":", 3)
	if len(parts) != 3 || parts[0] != channelPrefix || parts[1] == "" || parts[2] == "" {
		return data.EntityKey{}, false
	}
	return data.EntityKey{MachineID: parts[2], SensorID: parts[1]}, true
}

// ChannelSet is an unordered set of channels.
type ChannelSet map[ChannelID]struct{}

// NewChannelSet builds a set from the given topics.
func NewChannelSet(ids ...ChannelID) ChannelSet {
	s := make(ChannelSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ChannelSet) Contains(id ChannelID) bool {
	_, ok := s[id]
	return ok
}

// Minus returns the channels in s that are not in other.
func (s ChannelSet) Minus(other ChannelSet) ChannelSet {
	out := make(ChannelSet)
	for id := range s {
		if !other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same channels.
func (s ChannelSet) Equal(other ChannelSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Topics returns the channels as sorted strings.
func (s ChannelSet) Topics() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

// EntityKeys lists the complete (machine, sensor) pairs c references,
// deduplicated, in first-seen order. Pairs missing either side are skipped.
func (c *Configuration) EntityKeys() []data.EntityKey {
	if c == nil {
		return nil
	}
	var (
		keys []data.EntityKey
		seen = make(map[data.EntityKey]bool)
	)
	add := func(machine, sensor Ref) {
		k := data.EntityKey{
			MachineID: strings.TrimSpace(string(machine)),
			SensorID:  strings.TrimSpace(string(sensor)),
		}
		if !k.Complete() || seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}

	switch c.Kind {
	case KindSensor:
		add(c.Machine, c.Sensor)
	case KindModeCombine:
		add(c.Machine, c.SensorManual)
		add(c.Machine, c.SensorAutomatic)
	case KindMap:
		for _, m := range c.Machines {
			add(m.Machine, m.Sensor)
			add(m.Machine, m.SensorHeading)
		}
	case KindGroup:
		for _, m := range c.Machines {
			add(m.Machine, m.Sensor)
		}
	case KindHistory:
		for _, s := range c.Sensors {
			add(c.Machine, s)
		}
	}
	return keys
}

// DeriveKeys returns the channels a chart must join. A nil or empty
// configuration yields an empty set.
func DeriveKeys(c *Configuration) ChannelSet {
	keys := c.EntityKeys()
	set := make(ChannelSet, len(keys))
	for _, k := range keys {
		set[Channel(k)] = struct{}{}
	}
	return set
}

// SnapshotQuery builds the snapshot API parameters for c from raw
// identifiers: idChart, idMachines[] and sensors[].
func SnapshotQuery(c *Configuration) url.Values {
	q := url.Values{}
	if c == nil {
		return q
	}
	if c.ID != "" {
		q.Set("idChart", c.ID)
	}
	machines := make(map[string]bool)
	sensors := make(map[string]bool)
	for _, k := range c.EntityKeys() {
		if !machines[k.MachineID] {
			machines[k.MachineID] = true
			q.Add("idMachines[]", k.MachineID)
		}
		if !sensors[k.SensorID] {
			sensors[k.SensorID] = true
			q.Add("sensors[]", k.SensorID)
		}
	}
	return q
}
