// Package registry is thin CRUD over users and the lightweight chat
// directory. Deliberately no business logic here.
package registry

import (
	"context"
	"time"

	"assistbot/internal/store"
)

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// RegisterUser creates a user with an immutable chat identifier.
func (s *Service) RegisterUser(ctx context.Context, name, chatID, timezone string) (store.User, error) {
	u := store.User{Name: name, ChatID: chatID, Timezone: timezone}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (s *Service) UserByChatID(ctx context.Context, chatID string) (store.User, error) {
	return s.store.GetUserByChatID(ctx, chatID)
}

func (s *Service) UserByID(ctx context.Context, id int64) (store.User, error) {
	return s.store.GetUser(ctx, id)
}

// Touch refreshes the directory entry for a chat; called on every inbound
// message so last_seen stays current.
func (s *Service) Touch(ctx context.Context, chatID, name, username string, at time.Time) error {
	return s.store.UpsertRegistryEntry(ctx, store.RegistryEntry{
		ChatID:   chatID,
		Name:     name,
		Username: username,
		LastSeen: at,
	})
}

func (s *Service) Lookup(ctx context.Context, chatID string) (store.RegistryEntry, error) {
	return s.store.GetRegistryEntry(ctx, chatID)
}

// ResolveName finds a directory entry by display name or username.
func (s *Service) ResolveName(ctx context.Context, name string) (store.RegistryEntry, bool, error) {
	return s.store.FindRegistryByName(ctx, name)
}
