package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/tripsync/internal/remote"
)

func writeFixtureFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	return path
}

func TestSeedFixtureLoadsEntities(t *testing.T) {
	path := writeFixtureFile(t, `
entities:
  - type: task
    id: t1
    version: 3
    last_modified: "2026-08-01T12:00:00Z"
    payload:
      title: Book ferry tickets
      done: false
  - type: message
    id: m1
    payload:
      body: hello
`)

	fixture := remote.NewFixture()
	n, err := seedFixture(fixture, path)
	if err != nil {
		t.Fatalf("seedFixture: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded = %d, want 2", n)
	}

	payload, version, ok := fixture.Get("t1")
	if !ok || version != 3 {
		t.Fatalf("t1 = (%s, %d, %v), want version 3", payload, version, ok)
	}
	if _, version, ok := fixture.Get("m1"); !ok || version != 1 {
		t.Errorf("m1 version = %d, want default 1", version)
	}
}

func TestSeedFixtureMissingFileIsEmpty(t *testing.T) {
	fixture := remote.NewFixture()
	n, err := seedFixture(fixture, filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("seedFixture: %v", err)
	}
	if n != 0 {
		t.Errorf("seeded = %d, want 0", n)
	}
}

func TestSeedFixtureRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing id", "entities:\n  - type: task\n    payload:\n      title: x\n"},
		{"bad timestamp", "entities:\n  - type: task\n    id: t1\n    last_modified: yesterday\n"},
		{"not yaml", "entities: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFixtureFile(t, tc.content)
			if _, err := seedFixture(remote.NewFixture(), path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
