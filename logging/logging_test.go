package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetupTruncatesAndTees(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SotDFix.log")
	if err := os.WriteFile(path, []byte("old run\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var console bytes.Buffer
	log, closer, err := Setup(path, &console, logrus.InfoLevel)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	Banner(log, "SotDFix", "v1.0.0", path)
	LogModule(log, Module{Name: "SotD-Win64-Shipping.exe", Base: 0x140000000, Timestamp: 1700000000})
	log.Debug("hidden")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "old run") {
		t.Errorf("log was not truncated")
	}
	for _, want := range []string{"SotDFix v1.0.0 loaded.", "Module Address: 0x140000000", "Module Timestamp: 1700000000"} {
		if !strings.Contains(out, want) {
			t.Errorf("log is missing %q", want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level")
	}
	if console.String() != out {
		t.Errorf("console and file output differ")
	}
}

func TestSetupFails(t *testing.T) {
	_, _, err := Setup(filepath.Join(t.TempDir(), "missing", "SotDFix.log"), nil, logrus.InfoLevel)
	if err == nil {
		t.Errorf("Setup() in a missing directory succeeded")
	}
}
