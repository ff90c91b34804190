package soundbank

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeClips(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestListSortsAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeClips(t, dir, "02-hello.ogg", "01-ring.mp3", "notes.txt", "03-beep.WAV")
	if err := os.Mkdir(filepath.Join(dir, "nested.ogg"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := List(dir)
	want := []string{
		filepath.Join(dir, "01-ring.mp3"),
		filepath.Join(dir, "02-hello.ogg"),
		filepath.Join(dir, "03-beep.WAV"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestListMissingDirectory(t *testing.T) {
	if got := List(filepath.Join(t.TempDir(), "does-not-exist")); got != nil {
		t.Fatalf("List on missing dir = %v, want nil", got)
	}
	if got := List(""); got != nil {
		t.Fatalf("List on empty path = %v, want nil", got)
	}
}

func TestPickRandom(t *testing.T) {
	dir := t.TempDir()
	writeClips(t, dir, "a.opus", "b.opus")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		clip := PickRandom(dir)
		if clip == "" {
			t.Fatal("PickRandom returned empty with clips present")
		}
		seen[clip] = true
	}
	if len(seen) == 0 {
		t.Fatal("PickRandom never returned a clip")
	}

	if clip := PickRandom(t.TempDir()); clip != "" {
		t.Fatalf("PickRandom on empty dir = %q, want empty", clip)
	}
}
