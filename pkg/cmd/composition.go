package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/imdario/mergo"
)

const (
	EngineSimnet = "simnet"
	EngineKad    = "kad"

	defaultPlan = "discovery"
)

var compositionValidator = validator.New()

// Composition describes a local run.
//
//	[metadata]
//	name = "enr-update, five instances"
//
//	[global]
//	case = "enr-update"
//	total_instances = 5
//	engine = "simnet"
//	sync_timeout = "2m"
//
//	[global.test_params]
//	observe_timeout = "10s"
type Composition struct {
	Metadata Metadata `toml:"metadata"`
	Global   Global   `toml:"global"`
}

type Metadata struct {
	Name   string `toml:"name"`
	Author string `toml:"author"`
}

type Global struct {
	// Plan names the test plan in output events. Defaults to "discovery".
	Plan string `toml:"plan"`

	// Case is the scenario to run.
	Case string `toml:"case" validate:"required"`

	// TotalInstances is the number of instances in the run.
	TotalInstances int `toml:"total_instances" validate:"gt=0"`

	// Engine is the discovery engine, simnet or kad.
	Engine string `toml:"engine" validate:"omitempty,oneof=simnet kad"`

	// SyncTimeout bounds every barrier and rendezvous. Zero waits
	// indefinitely.
	SyncTimeout time.Duration `toml:"sync_timeout" validate:"gte=0"`

	// TestParams are passed down to every instance.
	TestParams map[string]string `toml:"test_params"`
}

// LoadComposition decodes the composition at path. Unknown keys are an
// error.
func LoadComposition(path string) (*Composition, error) {
	comp := new(Composition)
	md, err := toml.DecodeFile(path, comp)
	if err != nil {
		return nil, fmt.Errorf("failed to process composition file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in composition file %s: %s", path, strings.Join(keys, ", "))
	}
	return comp, nil
}

// Validate checks the composition is complete, after defaults have been
// applied.
func (c *Composition) Validate() error {
	return compositionValidator.Struct(c)
}

// ApplyDefaults fills in the fields left unset.
func (c *Composition) ApplyDefaults() {
	if c.Global.Plan == "" {
		c.Global.Plan = defaultPlan
	}
	if c.Global.Engine == "" {
		c.Global.Engine = EngineSimnet
	}
}

// MergeParams overrides the test params of the composition with the
// supplied ones.
func (c *Composition) MergeParams(override map[string]string) error {
	if c.Global.TestParams == nil {
		c.Global.TestParams = make(map[string]string, len(override))
	}
	return mergo.Merge(&c.Global.TestParams, override, mergo.WithOverride)
}

// DefaultParams sets the test params that the composition leaves unset.
func (c *Composition) DefaultParams(defaults map[string]string) error {
	if c.Global.TestParams == nil {
		c.Global.TestParams = make(map[string]string, len(defaults))
	}
	return mergo.Merge(&c.Global.TestParams, defaults)
}
