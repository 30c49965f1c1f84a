package memory

import (
	"fmt"
	"os"

	"notecollab/internal/core/domain"

	"gopkg.in/yaml.v2"
)

// Seed describes fixture documents and access rows for the in-memory store.
type Seed struct {
	Documents []struct {
		ID      string `yaml:"id"`
		Title   string `yaml:"title"`
		OwnerID string `yaml:"owner_id"`
		Access  []struct {
			UserID string `yaml:"user_id"`
			Level  string `yaml:"level"`
		} `yaml:"access"`
	} `yaml:"documents"`
}

// LoadSeed reads a seed file and applies it to the repositories. The owner
// of each document is granted owner access.
func LoadSeed(path string, documents *MemoryDocumentRepository, access *MemoryAccessRepository) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to unmarshal seed yaml: %w", err)
	}

	for _, doc := range seed.Documents {
		if doc.ID == "" {
			return 0, fmt.Errorf("seed document without id")
		}
		id := domain.DocumentID(doc.ID)
		documents.Put(domain.DocumentMetadata{ID: id, Title: doc.Title, OwnerID: domain.UserID(doc.OwnerID)})
		if doc.OwnerID != "" {
			access.Grant(id, domain.UserID(doc.OwnerID), domain.LevelOwner)
		}
		for _, row := range doc.Access {
			level, err := domain.ParsePermissionLevel(row.Level)
			if err != nil || level == domain.LevelNone {
				return 0, fmt.Errorf("seed document %s: invalid level %q for user %s", doc.ID, row.Level, row.UserID)
			}
			access.Grant(id, domain.UserID(row.UserID), level)
		}
	}
	return len(seed.Documents), nil
}
