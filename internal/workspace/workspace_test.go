package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T, widgetSrc string) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "deployments"), widgetSrc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

var sampleBundle = map[string]string{
	"package.json": `{"name":"pain-clinic-intake"}`,
	"app/page.tsx": "export default function Page() { return null }",
}

func TestStageWritesBundleAndScaffold(t *testing.T) {
	m := newTestManager(t, "")
	dir, err := m.Stage("pain-clinic-intake-1", sampleBundle)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	for rel, want := range sampleBundle {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		if string(data) != want {
			t.Fatalf("content of %s = %q, want %q", rel, data, want)
		}
	}
	for _, sub := range scaffoldDirs {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Fatalf("scaffold dir %s missing", sub)
		}
	}
}

func TestStageTwiceIsIdempotent(t *testing.T) {
	m := newTestManager(t, "")
	if _, err := m.Stage("intake-1", sampleBundle); err != nil {
		t.Fatalf("first Stage failed: %v", err)
	}
	dir, err := m.Stage("intake-1", sampleBundle)
	if err != nil {
		t.Fatalf("second Stage failed: %v", err)
	}
	for rel, want := range sampleBundle {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		if string(data) != want {
			t.Fatalf("content of %s changed on restage", rel)
		}
	}
}

func TestStageRejectsEscapingPaths(t *testing.T) {
	m := newTestManager(t, "")
	_, err := m.Stage("intake-1", map[string]string{"../evil.txt": "x"})
	if err == nil {
		t.Fatal("expected error for escaping bundle path")
	}
}

func TestCopyWidgetLibrary(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "assessment"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "assessment", "phq9.tsx"), []byte("widget"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, src)
	dir, err := m.Stage("intake-1", sampleBundle)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := m.CopyWidgetLibrary(dir); err != nil {
		t.Fatalf("CopyWidgetLibrary failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "components", "widgets", "assessment", "phq9.tsx"))
	if err != nil {
		t.Fatalf("widget file missing: %v", err)
	}
	if string(data) != "widget" {
		t.Fatalf("widget content = %q", data)
	}
}

func TestCopyWidgetLibraryMissingSourceFails(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "does-not-exist"))
	dir, err := m.Stage("intake-1", sampleBundle)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := m.CopyWidgetLibrary(dir); err == nil {
		t.Fatal("expected error for missing widget source")
	}
	// The staged bundle must be untouched by the failed copy.
	if _, err := os.Stat(filepath.Join(dir, "components", "widgets")); !os.IsNotExist(err) {
		t.Fatal("widget directory should not exist after failed copy")
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m := newTestManager(t, "")
	if err := m.Cleanup("/tmp"); err == nil {
		t.Fatal("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatal("expected refusal for root itself")
	}
}

func TestCleanupByIDRemovesDirectory(t *testing.T) {
	m := newTestManager(t, "")
	dir, err := m.Stage("intake-1", sampleBundle)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := m.CleanupByID("intake-1"); err != nil {
		t.Fatalf("CleanupByID failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("project directory still present after cleanup")
	}
}

func TestListReturnsStagedIDs(t *testing.T) {
	m := newTestManager(t, "")
	for _, id := range []string{"a-1", "b-2"} {
		if _, err := m.Stage(id, sampleBundle); err != nil {
			t.Fatalf("Stage %s failed: %v", id, err)
		}
	}
	ids, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
}
