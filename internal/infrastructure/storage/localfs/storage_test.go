package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

func TestSaveThenOpenRoundTrip(t *testing.T) {
	store, err := Create(filepath.Join(t.TempDir(), "model"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Save(context.Background(), "model.yaml", strings.NewReader("version: v1\n")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rc, err := store.Open(context.Background(), "model.yaml")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "version: v1\n" {
		t.Fatalf("unexpected content %q", data)
	}

	entries, _ := os.ReadDir(store.Location())
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, got %d entries", len(entries))
	}
}

func TestOpenMissingArtifactIsNotFound(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := store.Open(context.Background(), "model.onnx"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKeysCannotEscapeBaseDir(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, key := range []string{"../secret", "/etc/passwd", "", "."} {
		if _, err := store.Open(context.Background(), key); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("Open(%q) expected invalid input, got %v", key, err)
		}
	}
}

func TestNewRequiresExistingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
