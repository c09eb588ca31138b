package clipitem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromTextHash(t *testing.T) {
	item := FromText("hello", SourceLocal)
	if item.ContentType != ContentTypeText {
		t.Fatalf("expected text content type")
	}
	want := hashBytes([]byte("hello"))
	if item.ContentHash != want {
		t.Fatalf("hash mismatch: got %s want %s", item.ContentHash, want)
	}
}

func TestFromTextDeterministicHash(t *testing.T) {
	a := FromText("same", SourceLocal)
	b := FromText("same", SourceRemote)
	if a.ContentHash != b.ContentHash {
		t.Fatalf("expected identical content to hash identically regardless of source")
	}
}

func TestFromFilesPathOnlyOrderIndependent(t *testing.T) {
	a := FromFiles([]string{"/a/one.txt", "/b/two.txt"}, SourceLocal)
	b := FromFiles([]string{"/b/two.txt", "/a/one.txt"}, SourceLocal)
	if a.ContentHash != b.ContentHash {
		t.Fatalf("expected path-only hash to be independent of input order")
	}
}

func TestFromFileContentsSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.txt")
	big := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(small, []byte("ok"), 0o644); err != nil {
		t.Fatalf("write small: %v", err)
	}
	if err := os.WriteFile(big, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write big: %v", err)
	}

	item, skipped := FromFileContents([]string{small, big}, SourceLocal, 10, 1000)
	if len(item.Files) != 1 || item.Files[0].Name != "small.txt" {
		t.Fatalf("expected only small.txt to be included, got %+v", item.Files)
	}
	if len(skipped) != 1 || skipped[0].Path != big {
		t.Fatalf("expected big.txt to be skipped with a reason, got %+v", skipped)
	}
	if skipped[0].Reason == "" {
		t.Fatalf("expected a non-empty skip reason")
	}
}

func TestFromFileContentsEnforcesTotalCap(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	os.WriteFile(a, make([]byte, 60), 0o644)
	os.WriteFile(b, make([]byte, 60), 0o644)

	item, skipped := FromFileContents([]string{a, b}, SourceLocal, 100, 100)
	if len(item.Files) != 1 {
		t.Fatalf("expected only the first file to fit under the total cap, got %d files", len(item.Files))
	}
	if len(skipped) != 1 {
		t.Fatalf("expected second file to be skipped, got %+v", skipped)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": ".._.._etc_passwd",
		"a/b\\c":           "a_b_c",
		"":                 "unnamed_file",
		"plain.txt":        "plain.txt",
	}
	for in, want := range cases {
		if got := SanitizeFilename(in); got != want {
			t.Fatalf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
