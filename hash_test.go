package omnirecorder

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHashReader(t *testing.T) {
	tests := []struct {
		hashType HashType
		expected string
	}{
		{HashMD5, "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{HashSHA256, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}

	for _, tt := range tests {
		t.Run(string(tt.hashType), func(t *testing.T) {
			got, err := HashReader(bytes.NewReader([]byte("hello world")), tt.hashType)
			if err != nil {
				t.Fatalf("HashReader failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("HashReader(%s) = %s, want %s", tt.hashType, got, tt.expected)
			}
		})
	}
}

func TestHashReaderUnsupported(t *testing.T) {
	_, err := HashReader(bytes.NewReader([]byte("test")), HashType("crc64"))
	if !errors.Is(err, errUnsupportedHash) {
		t.Errorf("HashReader error = %v, want errUnsupportedHash", err)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.wav")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := HashFile(path, HashMD5)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if got != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("HashFile = %s", got)
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing"), HashMD5); !os.IsNotExist(err) {
		t.Errorf("HashFile(missing) error = %v, want not-exist", err)
	}
}
