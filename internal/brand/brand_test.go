package brand

import (
	"path/filepath"
	"testing"
)

func TestGlobals(t *testing.T) {
	if Name == "" || BinaryName == "" {
		t.Error("Globals should be initialized from brand.json")
	}
}

func TestProxyAgent(t *testing.T) {
	if got := ProxyAgent(); got != Name+"/"+Version {
		t.Errorf("ProxyAgent() = %q", got)
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")

	if GetConfigDir() != DefaultConfigDir {
		t.Errorf("Expected default config dir %s, got %s", DefaultConfigDir, GetConfigDir())
	}
	if GetStateDir() != DefaultStateDir {
		t.Errorf("Expected default state dir %s, got %s", DefaultStateDir, GetStateDir())
	}

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/bastion")
	if got := GetConfigDir(); got != "/opt/bastion/config" {
		t.Errorf("GetConfigDir() with prefix = %s", got)
	}
	if got := DefaultConfigPath(); got != filepath.Join("/opt/bastion/config", ConfigFileName) {
		t.Errorf("DefaultConfigPath() = %s", got)
	}

	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "/srv/state")
	if got := GetStateDir(); got != "/srv/state" {
		t.Errorf("GetStateDir() override = %s", got)
	}
}
