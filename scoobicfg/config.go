// Package scoobicfg loads and validates the typed configuration
// recognised by the planner: execution mode, working directory,
// concurrency toggle, and reducer-count heuristic bounds.
package scoobicfg

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Mode selects the execution backend. Pairing a Mode with a
// store.BridgeStore backend is left to the caller (cmd/scoobi-plan does
// it in backendFor).
type Mode string

const (
	ModeInMemory Mode = "InMemory"
	ModeLocal    Mode = "Local"
	ModeCluster  Mode = "Cluster"
)

var validate = validator.New()

// ReducerConfig bounds the reducer-count heuristic: clamp
// ceil(bytes/bytesPerReducer) to [Min, Max].
type ReducerConfig struct {
	Min             int   `mapstructure:"min" yaml:"min" json:"min" validate:"required,min=1"`
	Max             int   `mapstructure:"max" yaml:"max" json:"max" validate:"required,min=1,gtefield=Min"`
	BytesPerReducer int64 `mapstructure:"bytesperreducer" yaml:"bytesperreducer" json:"bytesperreducer" validate:"required,min=1"`
}

// Config is the typed view of the recognised scoobi.* keys.
type Config struct {
	Mode            Mode          `mapstructure:"mode" yaml:"mode" json:"mode" validate:"required,oneof=InMemory Local Cluster"`
	WorkingDir      string        `mapstructure:"workingdir" yaml:"workingdir" json:"workingdir" validate:"required"`
	ConcurrentJobs  bool          `mapstructure:"concurrentjobs" yaml:"concurrentjobs" json:"concurrentjobs"`
	Reducers        ReducerConfig `mapstructure:"reducers" yaml:"reducers" json:"reducers" validate:"required"`
	UploadedLibJars []string      `mapstructure:"uploadedlibjars" yaml:"uploadedlibjars" json:"uploadedlibjars"`
}

// Defaults returns the configuration used when nothing overrides it:
// InMemory mode, the current directory as working directory,
// concurrent job dispatch enabled, and an effectively unbounded
// reducer count with a 1 GiB per-reducer byte budget.
func Defaults() Config {
	return Config{
		Mode:           ModeInMemory,
		WorkingDir:     ".",
		ConcurrentJobs: true,
		Reducers: ReducerConfig{
			Min:             1,
			Max:             math.MaxInt32,
			BytesPerReducer: 1 << 30,
		},
	}
}

// Load reads scoobi.* keys from v (a nil v starts fresh, reading only
// environment variables and whatever config file the caller has
// already pointed it at), applies Defaults for anything unset, and
// validates the result. Unknown keys are accepted by viper and simply
// ignored by Config's fields, future-proofing for collaborators (a CLI,
// a cluster submission layer) that read keys this core does not.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("scoobi")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := Defaults()
	v.SetDefault("mode", string(defaults.Mode))
	v.SetDefault("workingdir", defaults.WorkingDir)
	v.SetDefault("concurrentjobs", defaults.ConcurrentJobs)
	v.SetDefault("reducers.min", defaults.Reducers.Min)
	v.SetDefault("reducers.max", defaults.Reducers.Max)
	v.SetDefault("reducers.bytesperreducer", defaults.Reducers.BytesPerReducer)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "scoobicfg: unmarshalling config")
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "scoobicfg: validating config")
	}
	return cfg, nil
}
