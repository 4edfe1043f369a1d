// Package notes is thin CRUD over per-user notes.
package notes

import (
	"context"

	"assistbot/internal/store"
)

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Add(ctx context.Context, chatID, text string) (store.Note, error) {
	n := store.Note{ChatID: chatID, Text: text}
	if err := s.store.CreateNote(ctx, &n); err != nil {
		return store.Note{}, err
	}
	return n, nil
}

// List returns a chat's notes, pinned first, newest first within each group.
func (s *Service) List(ctx context.Context, chatID string) ([]store.Note, error) {
	return s.store.ListNotes(ctx, chatID)
}

func (s *Service) Delete(ctx context.Context, chatID string, id int64) error {
	return s.store.DeleteNote(ctx, chatID, id)
}

func (s *Service) Pin(ctx context.Context, chatID string, id int64) error {
	return s.store.SetNotePinned(ctx, chatID, id, true)
}

func (s *Service) Unpin(ctx context.Context, chatID string, id int64) error {
	return s.store.SetNotePinned(ctx, chatID, id, false)
}
