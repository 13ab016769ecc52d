package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSensorsCommand(t *testing.T) {
	out, err := execute(t, "sensors")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"I2SMic", "record_length", "Synthetic", "stores: [file memory s3 sftp]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckConfigCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"sensor": {"sensor_type": "I2SMic", "record_length": 300}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--internal", dir, "check-config")
	if err != nil {
		t.Fatalf("check-config: %v\n%s", err, out)
	}
	if !strings.Contains(out, "record_length = 300") {
		t.Errorf("output:\n%s", out)
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"log": {"level": "loud"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "check-config", filepath.Join(dir, "bad.json")); err == nil {
		t.Error("expected error for invalid config")
	}
}
