package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

type testBody struct {
	Names []string
	Score map[string]int
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.rumble.zst")
	in := testBody{Names: []string{"x", "y"}, Score: map[string]int{"x": 3}}
	if err := Write(path, Header{Kind: "test", RumbleID: 4}, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != Version || h.RumbleID != 4 || h.Kind != "test" {
		t.Fatalf("header=%+v", h)
	}

	var out testBody
	if _, err := Read(path, &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out.Names) != 2 || out.Score["x"] != 3 {
		t.Fatalf("body=%+v", out)
	}
}

func TestRead_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zst")
	_ = os.WriteFile(path, []byte("not zstd"), 0o644)
	var out testBody
	if _, err := Read(path, &out); err == nil {
		t.Fatalf("expected error")
	}
}
