package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// RecipeStore is a minimal stand-in for the recipe CRUD domain, which lives
// outside this subsystem. It assigns sequential IDs and keeps payloads for
// test inspection.
type RecipeStore struct {
	mu      sync.Mutex
	next    int
	recipes map[string]extraction.RecipePayload
}

// NewRecipeStore constructs a RecipeStore.
func NewRecipeStore() *RecipeStore {
	return &RecipeStore{recipes: make(map[string]extraction.RecipePayload)}
}

// SaveRecipe persists the payload and returns its ID.
func (s *RecipeStore) SaveRecipe(_ context.Context, userID string, payload extraction.RecipePayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("recipe-%s-%d", userID, s.next)
	s.recipes[id] = payload
	return id, nil
}

// Recipe returns a saved payload for inspection in tests.
func (s *RecipeStore) Recipe(id string) (extraction.RecipePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.recipes[id]
	return payload, ok
}
