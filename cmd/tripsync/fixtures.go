package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/tripsync/internal/remote"
)

// fixtureFile is the fixtures.yaml shape: a list of entities the demo and
// offline-fixture backends start with.
type fixtureFile struct {
	Entities []fixtureEntity `yaml:"entities"`
}

type fixtureEntity struct {
	Type         string         `yaml:"type"`
	ID           string         `yaml:"id"`
	Version      int64          `yaml:"version"`
	LastModified string         `yaml:"last_modified"`
	Payload      map[string]any `yaml:"payload"`
}

// seedFixture loads fixtures.yaml into the in-memory backend. A missing file
// is not an error; the backend just starts empty.
func seedFixture(fixture *remote.Fixture, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	var ff fixtureFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	seeded := 0
	for i, ent := range ff.Entities {
		if ent.ID == "" {
			return seeded, fmt.Errorf("fixture entity %d has no id", i)
		}
		payload, err := json.Marshal(ent.Payload)
		if err != nil {
			return seeded, fmt.Errorf("fixture entity %s: encode payload: %w", ent.ID, err)
		}
		lastModified := time.Now().UTC()
		if ent.LastModified != "" {
			lastModified, err = time.Parse(time.RFC3339, ent.LastModified)
			if err != nil {
				return seeded, fmt.Errorf("fixture entity %s: parse last_modified: %w", ent.ID, err)
			}
		}
		version := ent.Version
		if version <= 0 {
			version = 1
		}
		fixture.Seed(ent.ID, payload, version, lastModified)
		seeded++
	}
	return seeded, nil
}
