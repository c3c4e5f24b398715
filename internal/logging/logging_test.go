package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConsoleOnly(t *testing.T) {
	logger, err := New(Config{Level: LevelInfo, ConsoleFormat: FormatJSON})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
}

func TestNewRequiresFilePathWhenFileEnabled(t *testing.T) {
	_, err := New(Config{Level: LevelInfo, FileEnabled: true})
	if err == nil {
		t.Fatalf("expected error when FileEnabled is set without FilePath")
	}
}

func TestNewWithFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediaproxy.log")

	logger, err := New(Config{
		Level:         LevelDebug,
		ConsoleFormat: FormatConsole,
		FileEnabled:   true,
		FilePath:      path,
		FileFormat:    FormatJSON,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("written to file")
	_ = logger.Sync()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to be created: %v", err)
	}
}
