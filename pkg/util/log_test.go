package util

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLogLevel(t *testing.T) {
	defer Logger.SetLevel(logrus.InfoLevel)

	if err := SetLogLevel("debug"); err != nil {
		t.Fatalf("SetLogLevel(debug): %v", err)
	}
	if Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", Logger.GetLevel())
	}

	if err := SetLogLevel("bogus"); err == nil {
		t.Error("invalid level should error")
	}
}

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	WithInterface("wan").Info("interface is now up")
	out := buf.String()
	if !strings.Contains(out, "interface=wan") {
		t.Errorf("log output missing interface field: %q", out)
	}

	buf.Reset()
	WithDevice("eth0").Info("claim")
	if !strings.Contains(buf.String(), "device=eth0") {
		t.Errorf("log output missing device field: %q", buf.String())
	}
}
