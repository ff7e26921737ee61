package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Setup(Config{Level: "debug", Format: "json", Output: path}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	logger := WithComponent("service")
	logger.Info().Int64("cycle_id", 3).Msg("cycle advanced")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"component":"service"`) || !strings.Contains(line, `"cycle_id":3`) {
		t.Fatalf("unexpected log line %q", line)
	}
}

func TestSetupFallsBackToInfo(t *testing.T) {
	if err := Setup(Config{Level: "loud", Output: "stderr"}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}
