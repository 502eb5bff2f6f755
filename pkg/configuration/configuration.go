package configuration

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/encoding"
)

const (
	// DefaultListenAddress is the TCP address on which the daemon listens when
	// the configuration doesn't specify one. 873 is the IANA-assigned rsync
	// port.
	DefaultListenAddress = ":873"
	// DefaultConnectionLimit is the maximum number of concurrent connections
	// accepted when the configuration doesn't specify a limit.
	DefaultConnectionLimit = 128
	// DefaultRescanInterval is the periodic rescan interval applied when the
	// configuration doesn't specify one.
	DefaultRescanInterval = Duration(10 * time.Minute)
)

// Duration is a time.Duration that unmarshals from YAML duration strings such
// as "90s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.UnmarshalYAML.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return errors.Wrap(err, "unable to parse duration")
	}
	*d = Duration(parsed)
	return nil
}

// Module represents the configuration for a single served module.
type Module struct {
	// Name is the module's logical name, the first path segment of all client
	// requests into the module.
	Name string `yaml:"name"`
	// Root is the filesystem path whose contents the module serves.
	Root string `yaml:"root"`
	// Description is the human-readable text shown in module listings.
	Description string `yaml:"description"`
}

// Configuration represents the daemon configuration.
type Configuration struct {
	// Listen is the TCP listen address.
	Listen string `yaml:"listen"`
	// ConnectionLimit is the maximum number of concurrent connections.
	ConnectionLimit int `yaml:"connectionLimit"`
	// RescanInterval is the interval between periodic repository rescans.
	RescanInterval Duration `yaml:"rescanInterval"`
	// Modules are the served modules.
	Modules []Module `yaml:"modules"`
}

// loadFromPath is the internal loading function. We keep it separate from Load
// so that we can get full test coverage using temporary files.
func loadFromPath(path string) (*Configuration, error) {
	// Create a configuration that we can decode into, pre-populated with
	// default values. Nothing will be modified in this structure for fields
	// the configuration file doesn't set.
	result := &Configuration{
		Listen:          DefaultListenAddress,
		ConnectionLimit: DefaultConnectionLimit,
		RescanInterval:  DefaultRescanInterval,
	}

	// Attempt to load the configuration from disk.
	if err := encoding.LoadAndUnmarshalYAML(path, result); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Return the configuration.
	return result, nil
}

// Load loads the daemon configuration file from the specified path and
// populates a Configuration structure. If the file does not exist, a structure
// with the default configuration values is returned. The returned structure is
// not re-used, so its members can be freely mutated.
func Load(path string) (*Configuration, error) {
	return loadFromPath(path)
}

// EnsureValid verifies that configuration invariants are respected.
func (c *Configuration) EnsureValid() error {
	// Verify scalar settings.
	if c.Listen == "" {
		return errors.New("empty listen address")
	} else if c.ConnectionLimit < 1 {
		return errors.New("non-positive connection limit")
	} else if c.RescanInterval <= 0 {
		return errors.New("non-positive rescan interval")
	}

	// Verify that at least one module is configured and that modules are
	// well-formed and uniquely named.
	if len(c.Modules) == 0 {
		return errors.New("no modules configured")
	}
	names := make(map[string]bool, len(c.Modules))
	for _, module := range c.Modules {
		if module.Name == "" {
			return errors.New("module with empty name")
		} else if module.Root == "" {
			return errors.Errorf("module %q with empty root", module.Name)
		} else if names[module.Name] {
			return errors.Errorf("duplicate module name %q", module.Name)
		}
		names[module.Name] = true
	}

	// Success.
	return nil
}
