package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalConfig is the subset of config.yaml read directly from the file,
// bypassing the viper layer. Needed when the CWD has changed since config
// initialization, or when a setting must be checked before full config
// loading.
type LocalConfig struct {
	Workspace  string `yaml:"workspace"`
	SocketPath string `yaml:"socket-path"`
	Store      struct {
		URL string `yaml:"url"`
	} `yaml:"store"`
}

// LoadLocalConfig reads and parses config.yaml from the given trellis
// directory. Returns an empty LocalConfig (not nil) if the file doesn't
// exist or can't be parsed.
func LoadLocalConfig(trellisDir string) *LocalConfig {
	data, err := os.ReadFile(filepath.Join(trellisDir, "config.yaml"))
	if err != nil {
		return &LocalConfig{}
	}
	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &LocalConfig{}
	}
	return &cfg
}

// LoadLocalConfigWithEnv reads config.yaml and applies environment
// overrides. Environment variables take precedence over file values.
func LoadLocalConfigWithEnv(trellisDir string) *LocalConfig {
	cfg := LoadLocalConfig(trellisDir)
	if env := os.Getenv("TRELLIS_SOCKET_PATH"); env != "" {
		cfg.SocketPath = env
	}
	if env := os.Getenv("TRELLIS_STORE_URL"); env != "" {
		cfg.Store.URL = env
	}
	return cfg
}

// SocketPath returns the effective socket path for the directory:
// configured value or <dir>/trellisd.sock.
func SocketPath(trellisDir string) string {
	if p := LoadLocalConfigWithEnv(trellisDir).SocketPath; p != "" {
		return p
	}
	return filepath.Join(trellisDir, "trellisd.sock")
}
