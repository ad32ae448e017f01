package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstate/internal/registry"
	"github.com/samcharles93/kvstate/internal/simulate"
	"github.com/samcharles93/kvstate/internal/version"
)

func TestLoadConfigFile(t *testing.T) {
	t.Run("missing file is zero config", func(t *testing.T) {
		got, err := loadConfigFile(filepath.Join(t.TempDir(), "config.yaml"))
		if err != nil {
			t.Fatalf("loadConfigFile returned error: %v", err)
		}
		if got != (Config{}) {
			t.Fatalf("expected zero config, got %+v", got)
		}
	})

	t.Run("fields and relative manifest", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		doc := "log_level: debug\nlog_format: json\nthreads: 3\nmanifest: states.yaml\nserver_address: 0.0.0.0:9000\n"
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		got, err := loadConfigFile(path)
		if err != nil {
			t.Fatalf("loadConfigFile returned error: %v", err)
		}
		if got.LogLevel != "debug" || got.LogFormat != "json" || got.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected config: %+v", got)
		}
		if got.Threads == nil || *got.Threads != 3 {
			t.Fatalf("unexpected threads: %v", got.Threads)
		}
		if want := filepath.Join(dir, "states.yaml"); got.Manifest != want {
			t.Fatalf("manifest: got %q want %q", got.Manifest, want)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("threads: [oops"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := loadConfigFile(path); err == nil || !strings.Contains(err.Error(), "parse") {
			t.Fatalf("expected parse error, got %v", err)
		}
	})
}

func TestConfigPathUsesXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	got := configPath()
	if filepath.Base(got) != "config.yaml" || filepath.Base(filepath.Dir(got)) != "kvstate" {
		t.Fatalf("unexpected config path %q", got)
	}
}

func TestApplyManifestConfigFlagsWin(t *testing.T) {
	manifestPath, threads = "", 0
	t.Cleanup(func() { manifestPath, threads = "", 0 })

	n := int64(3)
	c := Config{Manifest: "/etc/kvstate/states.yaml", Threads: &n}
	cmd := &cli.Command{
		Name:  "probe",
		Flags: manifestFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyManifestConfig(cmd, c)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"probe", "--threads", "2"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if manifestPath != "/etc/kvstate/states.yaml" {
		t.Fatalf("manifest should come from config, got %q", manifestPath)
	}
	if threads != 2 {
		t.Fatalf("explicit --threads should win, got %d", threads)
	}
}

func TestApplyServeConfig(t *testing.T) {
	manifestPath, threads = "", 0
	t.Cleanup(func() { manifestPath, threads = "", 0 })

	addr := "127.0.0.1:8080"
	c := Config{ServerAddress: "0.0.0.0:9000"}
	cmd := &cli.Command{
		Name: "probe",
		Flags: append(manifestFlags(), &cli.StringFlag{
			Name:        "addr",
			Value:       addr,
			Destination: &addr,
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, c, &addr)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"probe"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if addr != "0.0.0.0:9000" {
		t.Fatalf("address should come from config, got %q", addr)
	}
}

func TestResolveManifestBuiltIn(t *testing.T) {
	manifestPath = ""
	m, source, err := resolveManifest(kvShape{layers: 2, batch: 2, heads: 2, headSize: 8, storage: "u8", groupSize: 4})
	if err != nil {
		t.Fatalf("resolveManifest returned error: %v", err)
	}
	if source != "built-in" {
		t.Fatalf("unexpected source %q", source)
	}
	if len(m.States) != 4 {
		t.Fatalf("expected 4 states, got %d", len(m.States))
	}

	if _, _, err := resolveManifest(kvShape{layers: 1, batch: 1, heads: 1, headSize: 8, storage: "q4"}); err == nil {
		t.Fatalf("expected error for unknown storage")
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	err := printReport(&buf, &simulate.Report{States: []simulate.StateReport{
		{Name: "past_key.0", Variant: "kv_cache", Storage: "u8", Quant: "by_group", Rows: 4, OK: true},
	}})
	if err != nil {
		t.Fatalf("printReport: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"STATE", "past_key.0", "u8/by_group", "true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintInfos(t *testing.T) {
	var buf bytes.Buffer
	err := printInfos(&buf, []registry.Info{{Name: "hidden", Variant: "double_buffer", External: "f32[?,16]"}})
	if err != nil {
		t.Fatalf("printInfos: %v", err)
	}
	if !strings.Contains(buf.String(), "double_buffer") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestCPUFeatures(t *testing.T) {
	if cpuFeatures() == "" {
		t.Fatalf("cpuFeatures should never be empty")
	}
}

func TestPrintVersion(t *testing.T) {
	info := version.Info{
		Version:   "v0.2.0",
		Commit:    "0123456789abcdef",
		BuildTime: "2026-10-18T09:30:00Z",
		GoVersion: "go1.26.0",
		Modified:  true,
	}

	var buf bytes.Buffer
	if err := printVersion(&buf, info, false); err != nil {
		t.Fatalf("printVersion: %v", err)
	}
	want := "kvstate v0.2.0 (0123456789ab+dirty) built 2026-10-18T09:30:00Z go1.26.0\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}

	buf.Reset()
	if err := printVersion(&buf, version.Info{Version: "20261018T093000Z", BuildTime: "20261018T093000Z"}, false); err != nil {
		t.Fatalf("printVersion: %v", err)
	}
	if got := buf.String(); got != "kvstate 20261018T093000Z\n" {
		t.Fatalf("unexpected fallback line %q", got)
	}

	buf.Reset()
	if err := printVersion(&buf, info, true); err != nil {
		t.Fatalf("printVersion json: %v", err)
	}
	for _, want := range []string{`"version":"v0.2.0"`, `"commit":"0123456789abcdef"`, `"modified":true`} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("json output missing %s: %s", want, buf.String())
		}
	}
}
