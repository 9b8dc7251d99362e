package workspace

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitJoinLines(t *testing.T) {
	cases := []struct {
		content string
		lines   []string
	}{
		{"", nil},
		{"one\n", []string{"one"}},
		{"one\ntwo\n", []string{"one", "two"}},
		{"no-trailing", []string{"no-trailing"}},
	}
	for _, tc := range cases {
		if got := SplitLines(tc.content); !reflect.DeepEqual(got, tc.lines) {
			t.Errorf("SplitLines(%q) = %v, want %v", tc.content, got, tc.lines)
		}
	}

	if got := JoinLines([]string{"a", "b"}); got != "a\nb\n" {
		t.Errorf("JoinLines = %q, want %q", got, "a\nb\n")
	}
	if got := JoinLines(nil); got != "" {
		t.Errorf("JoinLines(nil) = %q, want empty", got)
	}
}

func TestOpenOrCreateNewFile(t *testing.T) {
	root := t.TempDir()
	ws := NewFS(root)

	doc, err := ws.OpenOrCreate("sub/dir/new.txt")
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	if len(doc.Lines()) != 0 {
		t.Errorf("new document should be empty, got %v", doc.Lines())
	}
	if _, err := os.Stat(filepath.Join(root, "sub", "dir", "new.txt")); err != nil {
		t.Errorf("file was not created on disk: %v", err)
	}
}

func TestOpenOrCreateExistingAndSave(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	if err := os.WriteFile(path, []byte("line1\nline2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws := NewFS(root)
	doc, err := ws.OpenOrCreate("file.txt")
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	if want := []string{"line1", "line2"}; !reflect.DeepEqual(doc.Lines(), want) {
		t.Fatalf("Lines = %v, want %v", doc.Lines(), want)
	}

	doc.SetLines([]string{"replaced"})
	if err := doc.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "replaced\n" {
		t.Errorf("saved content = %q, want %q", content, "replaced\n")
	}
}

func TestOpenOrCreateRejectsEscapingPaths(t *testing.T) {
	ws := NewFS(t.TempDir())
	if _, err := ws.OpenOrCreate("../outside.txt"); err == nil {
		t.Fatal("expected error for path escaping the workspace root")
	}
	if _, err := ws.OpenOrCreate(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
