package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tianyk/beansdb-research/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func load(t *testing.T, in config.LoadInput) config.Config {
	t.Helper()

	cfg, err := config.Load(in)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	return cfg
}

func Test_Load_Returns_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := load(t, config.LoadInput{WorkDirOverride: dir, Env: map[string]string{}})

	want := config.Default()
	want.EffectiveCwd = dir
	want.HintDirAbs = filepath.Join(dir, "data")

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Layers_Files_When_Several_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := t.TempDir()

	writeFile(t, filepath.Join(xdg, "beansd", "config.json"), `{
		// global
		"threads": 4,
		"hint_dir": "/var/lib/beansdb",
		"log": {"level": "debug"},
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"threads": 8, "bucket": 3}`)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"bucket": 7, "log": {"file": "beansd.log"}}`)

	bucket := 9
	cfg := load(t, config.LoadInput{
		WorkDirOverride: dir,
		ConfigPath:      "custom.json",
		Overrides:       config.Overrides{Bucket: &bucket, Poller: "poll"},
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
	})

	if got, want := cfg.Threads, 8; got != want {
		t.Errorf("threads=%d, want=%d (project beats global)", got, want)
	}

	if got, want := cfg.Bucket, 9; got != want {
		t.Errorf("bucket=%d, want=%d (cli beats files)", got, want)
	}

	if got, want := cfg.HintDirAbs, "/var/lib/beansdb"; got != want {
		t.Errorf("hint_dir=%q, want=%q", got, want)
	}

	if got, want := cfg.Log.Level, "debug"; got != want {
		t.Errorf("log.level=%q, want=%q", got, want)
	}

	if got, want := cfg.Log.File, filepath.Join(dir, "beansd.log"); got != want {
		t.Errorf("log.file=%q, want=%q", got, want)
	}

	if got, want := cfg.Log.MaxBackups, 3; got != want {
		t.Errorf("log.max_backups=%d, want=%d (untouched default)", got, want)
	}

	if got, want := cfg.Poller, "poll"; got != want {
		t.Errorf("poller=%q, want=%q", got, want)
	}

	wantSources := config.Sources{
		Global:   filepath.Join(xdg, "beansd", "config.json"),
		Project:  filepath.Join(dir, config.FileName),
		Explicit: filepath.Join(dir, "custom.json"),
	}

	if diff := cmp.Diff(wantSources, cfg.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Uses_Home_Config_When_XDG_Is_Unset(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".config", "beansd", "config.json"), `{"listen": "127.0.0.1:7901"}`)

	cfg := load(t, config.LoadInput{WorkDirOverride: t.TempDir(), Env: map[string]string{"HOME": home}})

	if got, want := cfg.Listen, "127.0.0.1:7901"; got != want {
		t.Fatalf("listen=%q, want=%q", got, want)
	}
}

func Test_Load_Returns_ErrConfigFileNotFound_When_Explicit_File_Is_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDirOverride: t.TempDir(), ConfigPath: "nope.json"})
	if !errors.Is(err, config.ErrConfigFileNotFound) {
		t.Fatalf("err=%v, want %v", err, config.ErrConfigFileNotFound)
	}
}

func Test_Load_Returns_ErrConfigInvalid_When_File_Is_Bad(t *testing.T) {
	t.Parallel()

	for name, content := range map[string]string{
		"syntax":      `{"threads": }`,
		"unknown key": `{"thread": 4}`,
		"wrong type":  `{"threads": "four"}`,
		"zero thread": `{"threads": 0}`,
		"bucket":      `{"bucket": 256}`,
		"log level":   `{"log": {"level": "loud"}}`,
		"listen":      `{"listen": "7900"}`,
		"poller":      `{"poller": "select"}`,
		"timeout":     `{"poll_timeout_ms": 0}`,
		"hint dir":    `{"hint_dir": ""}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, config.FileName), content)

			_, err := config.Load(config.LoadInput{WorkDirOverride: dir})
			if !errors.Is(err, config.ErrConfigInvalid) {
				t.Fatalf("err=%v, want %v", err, config.ErrConfigInvalid)
			}
		})
	}
}

func Test_Apply_Overrides_Loaded_Config_When_Command_Sets_Flags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := load(t, config.LoadInput{WorkDirOverride: dir})

	err := cfg.Apply(config.Overrides{Listen: "127.0.0.1:0", Threads: 2, HintDir: "hints"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got, want := cfg.HintDirAbs, filepath.Join(dir, "hints"); got != want {
		t.Errorf("hint_dir=%q, want=%q", got, want)
	}

	if got, want := cfg.Threads, 2; got != want {
		t.Errorf("threads=%d, want=%d", got, want)
	}

	if err := cfg.Apply(config.Overrides{Threads: -1}); !errors.Is(err, config.ErrConfigInvalid) {
		t.Fatalf("err=%v, want %v", err, config.ErrConfigInvalid)
	}
}
