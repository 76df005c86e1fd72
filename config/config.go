// Package config holds the command-line surfaces of the planner and the
// executor, plus the optional site defaults file.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"
)

// Version is the UpdaTA package version; overridden at build time via
// -ldflags.
var Version = "0.0.0"

// DefaultConfigFile is consulted when --config is not given; a missing file
// is simply skipped.
const DefaultConfigFile = "/etc/updata/updata.yaml"

// Defaults are site-wide presets for options that rarely change per
// invocation. Explicit command-line flags win over them.
type Defaults struct {
	BaseURL     string `yaml:"base_url"`
	MachineName string `yaml:"machine_name"`
	RESTAPIURL  string `yaml:"rest_api_url"`
}

// LoadDefaults reads the defaults file. A missing file yields nil defaults
// and no error.
func LoadDefaults(filename string) (*Defaults, error) {
	var d Defaults
	if err := readYAMLFile(filename, &d); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// readYAMLFile reads and unmarshals YAML data from a file into a provided
// interface.
func readYAMLFile(filename string, v interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to read file %s", filename)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to parse %s", filename)
	}
	return nil
}
