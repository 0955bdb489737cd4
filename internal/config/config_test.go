package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" || cfg.File != "" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.RenegotiateDelay != 200*time.Millisecond || cfg.PingPeriod != 30*time.Second {
		t.Fatalf("durations = %s, %s", cfg.RenegotiateDelay, cfg.PingPeriod)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ice servers = %v", cfg.ICEServers)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "port: 9000\nmode: debug\nrenegotiate_delay: 50ms\nudp_port_min: 40000\nudp_port_max: 40100\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SFU_PORT", "9100")

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, env must win over file", cfg.Port)
	}
	if cfg.Mode != "debug" || cfg.RenegotiateDelay != 50*time.Millisecond || cfg.UDPPortMax != 40100 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.File != "config/config.test.yaml" {
		t.Fatalf("File = %q", cfg.File)
	}
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("SFU_UDP_PORT_MIN", "50000")
	t.Setenv("SFU_UDP_PORT_MAX", "40000")
	if _, err := Load(viper.New()); err == nil {
		t.Fatal("inverted port range accepted")
	}
}

func TestFlagsOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(fs, v); err != nil {
		t.Fatal(err)
	}
	if err := fs.Parse([]string{"--port=7000", "--ice-servers=stun:a,stun:b"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7000 || len(cfg.ICEServers) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestApplyLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	if err := ApplyLogLevel("DEBUG"); err != nil {
		t.Fatal(err)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %s", zerolog.GlobalLevel())
	}
	if err := ApplyLogLevel("loud"); err == nil {
		t.Fatal("unknown level accepted")
	}
}
