package app

import (
	"fmt"
	"strings"
	"time"

	"pocketclaw/internal/util"
	"pocketclaw/pkg/domain"
)

// Memories lists the user's agent memories.
func (a *App) Memories(userID string) ([]domain.Memory, error) {
	items, err := a.store.ListMemories(userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return items, nil
}

// SaveMemory creates or replaces the memory under key.
func (a *App) SaveMemory(userID, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("memory key required")
	}
	now := time.Now().UTC()
	err := a.store.UpsertMemory(domain.Memory{
		ID:        util.NewID(),
		UserID:    userID,
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// Integrations lists the user's third-party connections. Credentials never
// leave the store through this path.
func (a *App) Integrations(userID string) ([]domain.Integration, error) {
	items, err := a.store.ListIntegrations(userID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	for i := range items {
		items[i].Credentials = nil
	}
	return items, nil
}

// SaveIntegration creates or replaces the integration of the given type.
func (a *App) SaveIntegration(userID, integrationType string, credentials []byte, enabled bool) error {
	integrationType = strings.TrimSpace(integrationType)
	if integrationType == "" {
		return fmt.Errorf("integration type required")
	}
	now := time.Now().UTC()
	err := a.store.UpsertIntegration(domain.Integration{
		ID:          util.NewID(),
		UserID:      userID,
		Type:        integrationType,
		Credentials: credentials,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}
