package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"drawing-mesh-pipeline/internal/config"
)

func TestLocalStoreWritesUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(context.Background(), config.Config{ArtifactOutputDir: dir})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ref, err := store.Save(context.Background(), "../../meshes/task-1.glb", []byte("glTF"), "model/gltf-binary")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(dir, "meshes", "task-1.glb")
	if ref != want {
		t.Fatalf("expected %s, got %s", want, ref)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "glTF" {
		t.Fatalf("unexpected contents %q", data)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"a/b.glb":        "a/b.glb",
		"/abs/c.glb":     "abs/c.glb",
		"./d.glb":        "d.glb",
		"../../../e.glb": "e.glb",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		if err != nil {
			t.Fatalf("sanitize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("sanitize %q: expected %q, got %q", in, want, got)
		}
	}
	if _, err := sanitizeKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}
