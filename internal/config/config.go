// Package config parses the gateway's flat configuration: CLI flags plus
// an optional key=value file named by ORCHID_CONFIG, both sharing the
// same option names, with the file overlaid onto the flag defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultRendezvousPort is the signaling listen port used when neither
// the flag nor the config file override it.
const DefaultRendezvousPort = 8080

// DefaultICEStunServer is the STUN URL advertised to every peer
// connection the server spawns when not overridden.
const DefaultICEStunServer = "stun:stun.l.google.com:19302"

// EnvConfigFile names the environment variable carrying the path to an
// additional config file, parsed with the same option names as the CLI
// flags.
const EnvConfigFile = "ORCHID_CONFIG"

// Config is the gateway's resolved configuration: CLI flag defaults
// overlaid by whatever ORCHID_CONFIG sets.
type Config struct {
	RendezvousPort uint16 `toml:"rendezvous-port"`
	ICEStunServer  string `toml:"ice-stun-server"`
}

// Default returns a Config populated with the gateway's documented
// defaults.
func Default() Config {
	return Config{
		RendezvousPort: DefaultRendezvousPort,
		ICEStunServer:  DefaultICEStunServer,
	}
}

// fileConfig mirrors Config but leaves every field a pointer so
// LoadFile can tell "absent" apart from "explicitly zero" and only
// overlay fields the file actually sets.
type fileConfig struct {
	RendezvousPort *uint16 `toml:"rendezvous-port"`
	ICEStunServer  *string `toml:"ice-stun-server"`
}

// LoadFile overlays the key=value pairs in path (if it exists) onto cfg.
// A missing file is not an error — ORCHID_CONFIG is optional. A present
// but malformed file is.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if fc.RendezvousPort != nil {
		cfg.RendezvousPort = *fc.RendezvousPort
	}
	if fc.ICEStunServer != nil {
		cfg.ICEStunServer = *fc.ICEStunServer
	}
	return cfg, nil
}

// LoadEnv is LoadFile applied to the path named by ORCHID_CONFIG, if
// set.
func LoadEnv(cfg Config) (Config, error) {
	return LoadFile(cfg, os.Getenv(EnvConfigFile))
}
