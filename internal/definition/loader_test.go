package definition

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadFile_yaml(t *testing.T) {
	l := NewLoader()
	raw, err := l.LoadFile("testdata/core/health_check.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if raw.Format != "yaml" {
		t.Errorf("Format = %q, want yaml", raw.Format)
	}
	if raw.Data["id"] != "core.health_check" {
		t.Errorf("id = %v", raw.Data["id"])
	}
	phases, ok := raw.Data["phases"].([]any)
	if !ok || len(phases) != 2 {
		t.Fatalf("phases = %#v", raw.Data["phases"])
	}
	if _, ok := phases[0].(map[string]any); !ok {
		t.Errorf("phase decoded as %T, want map[string]any", phases[0])
	}
	if raw.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if raw.Path != "testdata/core/health_check.yaml" {
		t.Errorf("Path = %q", raw.Path)
	}
}

func TestLoader_LoadFile_json(t *testing.T) {
	l := NewLoader()
	raw, err := l.LoadFile("testdata/core/auth_failures.json")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if raw.Format != "json" {
		t.Errorf("Format = %q, want json", raw.Format)
	}
	if raw.Data["workflow_id"] != "core.auth_failures" {
		t.Errorf("workflow_id = %v", raw.Data["workflow_id"])
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad_syntax.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_unsupported_extension(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/core/notes.txt"); err == nil {
		t.Fatal("LoadFile() with .txt should return error")
	}
}

func TestLoader_LoadFile_non_mapping_root(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")
	if err := os.WriteFile(path, []byte(`[1, 2, 3]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader().LoadFile(path); err == nil {
		t.Fatal("LoadFile() with list root should return error")
	}
}

func TestLoader_checksum_changes_with_content(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.json")
	l := NewLoader()

	if err := os.WriteFile(path, []byte(`{"id": "a"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	first, err := l.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	again, err := l.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.Checksum != again.Checksum {
		t.Error("checksum should be stable for identical content")
	}

	if err := os.WriteFile(path, []byte(`{"id": "b"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	changed, err := l.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.Checksum == changed.Checksum {
		t.Error("checksum should change when content changes")
	}
}

func TestParse_yaml_normalizes_keys(t *testing.T) {
	doc := []byte("id: x\nwindow:\n  1: one\ncreated: 2024-03-01T10:00:00Z\n")
	m, err := Parse(doc, "yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	w, ok := m["window"].(map[string]any)
	if !ok {
		t.Fatalf("window = %T, want map[string]any", m["window"])
	}
	if w["1"] != "one" {
		t.Errorf("window[1] = %v, want one", w["1"])
	}
	if m["created"] != "2024-03-01T10:00:00Z" {
		t.Errorf("created = %#v, want RFC3339 string", m["created"])
	}
}

func TestParse_unknown_format(t *testing.T) {
	if _, err := Parse([]byte("{}"), "toml"); err == nil {
		t.Fatal("Parse() with unknown format should return error")
	}
}

func TestParse_json_trailing_data(t *testing.T) {
	for _, doc := range []string{`{"id": "a"} trailing`, `{"id": "a"}{"id": "b"}`} {
		if _, err := Parse([]byte(doc), "json"); err == nil {
			t.Errorf("Parse(%q) should reject data after the document", doc)
		}
	}

	m, err := Parse([]byte("{\"id\": \"a\"}\n\n"), "json")
	if err != nil {
		t.Fatalf("Parse() with trailing whitespace error = %v", err)
	}
	if m["id"] != "a" {
		t.Errorf("id = %v, want a", m["id"])
	}
}

func TestIsTemplateFile(t *testing.T) {
	cases := map[string]bool{
		"a.json": true, "a.yaml": true, "a.YML": true, "a.txt": false, "yaml": false,
	}
	for path, want := range cases {
		if got := IsTemplateFile(path); got != want {
			t.Errorf("IsTemplateFile(%q) = %v, want %v", path, got, want)
		}
	}
}
