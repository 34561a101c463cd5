// Package group provides the group-membership capability the router resolves
// envelopes against. Deployments embed their own Resolver; the in-memory
// Store serves single-process setups and tests.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnknownGroup is reported, never silently dropped: an envelope naming a
// missing group is malformed relative to known state.
var ErrUnknownGroup = errors.New("unknown group")

// Resolver expands a group id into its member user ids.
type Resolver interface {
	ResolveGroup(ctx context.Context, groupID string) ([]string, error)
}

// Store is an in-memory Resolver with explicit membership management.
// A group is a set of user ids and nothing more; empty groups are removed.
type Store struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
	logger *slog.Logger
}

var _ Resolver = (*Store)(nil)

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		groups: make(map[string]map[string]struct{}),
		logger: logger.With(slog.String("component", "group_store")),
	}
}

// Join adds the user to the group, creating the group if needed.
func (s *Store) Join(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		s.groups[groupID] = members
	}
	members[userID] = struct{}{}
	s.logger.Debug("user joined group", slog.String("userID", userID), slog.String("groupID", groupID))
}

// Leave removes the user; the group disappears with its last member.
func (s *Store) Leave(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(s.groups, groupID)
	}
	s.logger.Debug("user left group", slog.String("userID", userID), slog.String("groupID", groupID))
}

func (s *Store) ResolveGroup(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	out := make([]string, 0, len(members))
	for userID := range members {
		out = append(out, userID)
	}
	return out, nil
}
