package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndApply(t *testing.T) {
	path := writeConfig(t, `{
		"listen": "127.0.0.1:9000",
		"log_level": "debug",
		"mss": 200,
		"rto": "250ms",
		"fixed-iss": true
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	listen := fs.String("listen", ":0", "")
	logLevel := fs.String("log-level", "info", "")
	mss := fs.Int("mss", 536, "")
	rto := fs.Duration("rto", time.Second, "")
	fixed := fs.Bool("fixed-iss", false, "")
	fs.Parse(nil)

	if err := Apply(fs, cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if *listen != "127.0.0.1:9000" || *logLevel != "debug" || *mss != 200 || *rto != 250*time.Millisecond || !*fixed {
		t.Fatalf("flags = %q %q %d %v %v", *listen, *logLevel, *mss, *rto, *fixed)
	}
}

func TestExplicitFlagWins(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"mss": 200}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	mss := fs.Int("mss", 536, "")
	fs.Parse([]string{"-mss", "300"})

	Apply(fs, cfg)
	if *mss != 300 {
		t.Fatalf("mss = %d, want the explicit 300", *mss)
	}
}

func TestApplyReportsBadValue(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Int("mss", 536, "")
	fs.Parse(nil)

	if err := Apply(fs, map[string]interface{}{"mss": "lots"}); err == nil {
		t.Fatalf("bad value accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("missing file loaded")
	}
}
