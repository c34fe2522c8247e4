// internal/chart/config.go
package chart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	liveerr "sensorstate-gateway/internal/errors"
)

// Kind selects which fields of a Configuration carry entity references.
type Kind string

const (
	KindSensor      Kind = "sensor"
	KindModeCombine Kind = "modecombine"
	KindMap         Kind = "map"
	KindGroup       Kind = "group"
	KindHistory     Kind = "history"
)

// Ref is an identifier stored either as a bare string or as the editor's
// {"value": ..., "label": ...} select object.
type Ref string

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*r = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref(s)
	case b[0] == '{':
		var sel struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(b, &sel); err != nil {
			return err
		}
		if len(sel.Value) == 0 {
			*r = ""
			return nil
		}
		return r.UnmarshalJSON(sel.Value)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("chart: unsupported identifier %s", b)
		}
		*r = Ref(n.String())
	}
	return nil
}

func (r *Ref) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*r = ""
			return nil
		}
		*r = Ref(node.Value)
	case yaml.MappingNode:
		var sel struct {
			Value string `yaml:"value"`
		}
		if err := node.Decode(&sel); err != nil {
			return err
		}
		*r = Ref(sel.Value)
	default:
		return fmt.Errorf("chart: unsupported identifier at line %d", node.Line)
	}
	return nil
}

// MachineSensor is one row of a multi-machine chart.
type MachineSensor struct {
	Machine       Ref `json:"machine" yaml:"machine"`
	Sensor        Ref `json:"sensor" yaml:"sensor"`
	SensorHeading Ref `json:"sensorHeading,omitempty" yaml:"sensorHeading,omitempty"`
}

// Configuration is the persisted description of one chart instance. Only the
// fields relevant to Kind are read; presentation options live in Options and
// are passed through untouched.
type Configuration struct {
	ID    string `json:"id" yaml:"id"`
	Kind  Kind   `json:"kind" yaml:"kind" validate:"required,oneof=sensor modecombine map group history"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	Machine         Ref             `json:"machine,omitempty" yaml:"machine,omitempty"`
	Sensor          Ref             `json:"sensor,omitempty" yaml:"sensor,omitempty"`
	SensorManual    Ref             `json:"sensorManual,omitempty" yaml:"sensorManual,omitempty"`
	SensorAutomatic Ref             `json:"sensorAutomatic,omitempty" yaml:"sensorAutomatic,omitempty"`
	Machines        []MachineSensor `json:"machines,omitempty" yaml:"machines,omitempty"`
	Sensors         []Ref           `json:"sensors,omitempty" yaml:"sensors,omitempty"`

	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateKindFields, Configuration{})
	return v
}

// validateKindFields enforces the minimum each kind needs to produce data.
func validateKindFields(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	switch c.Kind {
	case KindSensor:
		requireRef(sl, c.Machine, "Machine")
		requireRef(sl, c.Sensor, "Sensor")
	case KindModeCombine, KindHistory:
		requireRef(sl, c.Machine, "Machine")
	case KindMap, KindGroup:
		if len(c.Machines) == 0 {
			sl.ReportError(c.Machines, "Machines", "machines", "min", "1")
		}
		for i, m := range c.Machines {
			requireRef(sl, m.Machine, fmt.Sprintf("Machines[%d].Machine", i))
		}
	}
}

func requireRef(sl validator.StructLevel, r Ref, field string) {
	if strings.TrimSpace(string(r)) == "" {
		sl.ReportError(r, field, field, "required", "")
	}
}

// Validate checks the kind-specific required fields.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		le := liveerr.ConfigInvalid(fmt.Sprintf("chart %q", c.ID))
		le.Cause = err
		return le
	}
	return nil
}

// Parse decodes a configuration from JSON or YAML and validates it.
func Parse(raw []byte) (*Configuration, error) {
	var c Configuration
	trimmed := bytes.TrimSpace(raw)
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &c)
	} else {
		err = yaml.Unmarshal(trimmed, &c)
	}
	if err != nil {
		return nil, liveerr.Wrap(err, liveerr.CodeConfigInvalid, "cannot decode chart configuration")
	}
	c.Kind = Kind(strings.ToLower(string(c.Kind)))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, liveerr.Wrap(err, liveerr.CodeConfigInvalid, "cannot read chart configuration").
			WithDetail("path", path)
	}
	return Parse(raw)
}
