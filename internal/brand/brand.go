// Package brand provides centralized naming constants for the proxy.
//
// The identity is loaded from brand.json at compile time via go:embed so
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Vendor = b.Vendor
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
}

var (
	Name             string
	LowerName        string
	Vendor           string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	BinaryName       string
	ConfigFileName   string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// ProxyAgent returns the product token used in Via headers and banners.
func ProxyAgent() string {
	return Name + "/" + Version
}

// DefaultConfigPath returns the policy file used when --policy is not given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: BASTION_CONFIG_DIR > BASTION_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetStateDir returns the state directory (audit database, keybridge cache).
// Priority: BASTION_STATE_DIR > BASTION_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}
