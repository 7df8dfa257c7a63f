package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Store is the persistence hook for audit entries.
type Store interface {
	InsertAuditLog(ctx context.Context, action, entityType string, entityID *uuid.UUID, requestID string, metadata []byte) error
}

type Logger struct {
	store Store
}

func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

type Entry struct {
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	RequestID  string
	Metadata   map[string]any
}

func (l *Logger) Log(ctx context.Context, entry Entry) error {
	metadata := []byte("{}")
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = encoded
	}

	if err := l.store.InsertAuditLog(ctx, entry.Action, entry.EntityType, entry.EntityID, entry.RequestID, metadata); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
