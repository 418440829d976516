package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shellyd.log")
	l, err := New(LoggerConfig{Level: INFO, FilePath: path, MaxSize: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Debug("hidden %d", 1)
	l.Info("cycle %d done", 7)
	named := l.Logr().WithName("poller")
	named.Info("stored", "device", "A")
	named.V(1).Info("early detail")
	l.SetLevel(DEBUG)
	l.Debug("visible %s", "now")
	named.V(1).Info("late detail")

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "hidden 1") || strings.Contains(out, "early detail") {
		t.Errorf("debug entry written at INFO level: %s", out)
	}
	for _, want := range []string{"cycle 7 done", `"device":"A"`, `"logger":"poller"`, "visible now", "late detail"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
