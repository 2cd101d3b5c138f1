package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetup_LevelFallback(t *testing.T) {
	c, err := Setup(Options{Level: "nonsense"})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	defer c.Close()
	if logrus.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", logrus.GetLevel())
	}
}

func TestSetup_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gpugov.log")
	c, err := Setup(Options{Level: "debug", File: path, MaxSizeMB: 1, MaxFiles: 2})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	For("test").Info("hello")
	c.Close()
	logrus.SetOutput(os.Stderr)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(b) == 0 {
		t.Error("log file should not be empty")
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logrus.GetLevel())
	}
}
