package core

import "testing"

func TestMetadataStorePutGetRemove(t *testing.T) {
	m, err := OpenMetadataStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}

	m.Put("id1", map[string]string{"label": "a"})
	got, ok := m.Get("id1")
	if !ok || got["label"] != "a" {
		t.Fatalf("expected id1's metadata, got %v ok=%v", got, ok)
	}

	m.Remove("id1")
	if _, ok := m.Get("id1"); ok {
		t.Fatalf("expected id1 to be gone after Remove")
	}
}

func TestMetadataStoreFlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenMetadataStore(dir)
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	m.Put("id1", map[string]string{"k": "v"})
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	m2, err := OpenMetadataStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := m2.Get("id1")
	if !ok || got["k"] != "v" {
		t.Fatalf("expected metadata to survive reopen, got %v ok=%v", got, ok)
	}
}

func TestMetadataStoreOpenOnFreshDir(t *testing.T) {
	m, err := OpenMetadataStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenMetadataStore on fresh dir: %v", err)
	}
	if _, ok := m.Get("anything"); ok {
		t.Fatalf("expected a fresh store to have no entries")
	}
}
