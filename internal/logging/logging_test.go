package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/tianyk/beansdb-research/internal/config"
	"github.com/tianyk/beansdb-research/internal/logging"
)

func Test_New_Writes_Console_Lines_When_No_File_Is_Set(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, closeFn, err := logging.New(config.Log{Level: "info"}, &buf)
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("hidden")
	logger.Info("hint scanned", zap.String("path", "000.hint"))

	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()

	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level:\n%s", out)
	}

	if !strings.Contains(out, "hint scanned") || !strings.Contains(out, "000.hint") {
		t.Errorf("missing info line:\n%s", out)
	}
}

func Test_New_Writes_JSON_To_File_When_File_Is_Set(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "beansd.log")

	logger, closeFn, err := logging.New(config.Log{Level: "debug", File: path, MaxSizeMB: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("worker started", zap.Int("worker", 3))

	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}

	if got, want := entry["msg"], "worker started"; got != want {
		t.Errorf("msg=%v, want=%v", got, want)
	}

	if got, want := entry["worker"], float64(3); got != want {
		t.Errorf("worker=%v, want=%v", got, want)
	}
}

func Test_New_Returns_Error_When_Level_Is_Unknown(t *testing.T) {
	t.Parallel()

	if _, _, err := logging.New(config.Log{Level: "loud"}, nil); err == nil {
		t.Fatal("expected error")
	}
}
