package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"trace", TRACE},
		{"DEBUG", DEBUG},
		{"Info", INFO},
		{"warn", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(zapcore.AddSync(&buf))
	defer SetOutput(zapcore.AddSync(os.Stdout))
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(WARN)
	Info("Test", "hidden %d", 1)
	Warn("Test", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden 1") {
		t.Errorf("info line logged at WARN level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("warn line missing: %q", out)
	}

	buf.Reset()
	SetLevel(DEBUG)
	Trace("Test", "frame detail")
	if strings.Contains(buf.String(), "frame detail") {
		t.Errorf("trace line logged at DEBUG level: %q", buf.String())
	}
	SetLevel(TRACE)
	Trace("Test", "frame detail")
	if !strings.Contains(buf.String(), "frame detail") {
		t.Errorf("trace line missing at TRACE level: %q", buf.String())
	}
}

func TestToJSONProto(t *testing.T) {
	s, err := structpb.NewStruct(map[string]interface{}{"action": "ON_DEVICE_CONNECTED"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	out := ToJSON(s)
	if !strings.Contains(out, "ON_DEVICE_CONNECTED") {
		t.Errorf("ToJSON() = %q, missing action", out)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789"); got != "01234567" {
		t.Errorf("ShortID() = %q, want %q", got, "01234567")
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID() = %q, want %q", got, "abc")
	}
}
