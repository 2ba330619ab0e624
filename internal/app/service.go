// Package app holds the tree management service and its REST surface.
// Replication itself flows over the websocket hub; everything here is
// the metadata plane around it: create/duplicate/delete, ownership,
// permissions, and visit history.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"arbor/internal/auth"
	"arbor/internal/perm"
	"arbor/internal/registry"
	"arbor/internal/store"
	"arbor/internal/tree"
)

// Session is the identity attached to an authenticated request.
type Session struct {
	UserID   string
	UserName string
}

// dataStore is the slice of the metadata store the service consumes.
// Tests substitute a fake with function fields.
type dataStore interface {
	Ping(ctx context.Context) error

	InsertTreeMetadata(ctx context.Context, treeID, ownerID, title string, nodeCount int) error
	GetTreeMetadata(ctx context.Context, treeID string) (store.TreeMetadata, error)
	ListUserTrees(ctx context.Context, ownerID string) ([]store.TreeMetadata, error)
	SoftDeleteTree(ctx context.Context, treeID string) (bool, error)

	GrantPermission(ctx context.Context, treeID, userID, permissionType string) error
	RevokePermission(ctx context.Context, treeID, userID string) error
	GetPermission(ctx context.Context, treeID, userID string) (store.TreePermission, error)
	ListTreePermissions(ctx context.Context, treeID string) ([]store.TreePermission, error)
	ListUserPermissions(ctx context.Context, userID string) ([]store.TreePermission, error)
	HasPermission(ctx context.Context, treeID, userID, permissionType string) (bool, error)

	RecordVisit(ctx context.Context, userID, treeID string) error
	ListVisits(ctx context.Context, userID string) ([]store.TreeVisit, error)
	RemoveVisit(ctx context.Context, userID, treeID string) error
}

type Service struct {
	store     dataStore
	registry  *registry.Registry
	jwtSecret []byte
}

func NewService(dataStore dataStore, reg *registry.Registry, jwtSecret []byte) *Service {
	return &Service{
		store:     dataStore,
		registry:  reg,
		jwtSecret: jwtSecret,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken validates the bearer token issued by the identity
// frontend and extracts the caller's identity.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name}, nil
}

// CreateTree registers the snapshot as a new replicated document and
// records ownership metadata. The document is the source of truth: a
// metadata write failure is logged and the creation still succeeds.
func (s *Service) CreateTree(ctx context.Context, session Session, snap tree.Snapshot) (string, error) {
	treeID, err := s.registry.Create(ctx, snap)
	if err != nil {
		if errors.Is(err, tree.ErrNoRoot) || errors.Is(err, tree.ErrMultipleRoots) ||
			errors.Is(err, tree.ErrRootMismatch) || errors.Is(err, tree.ErrDanglingRef) {
			return "", domainError(http.StatusUnprocessableEntity, "INVALID_TREE", err.Error(), nil)
		}
		return "", err
	}

	handle, err := s.registry.Get(ctx, treeID, true)
	if err != nil {
		return treeID, nil
	}
	title := handle.View.RootTitle()
	nodeCount := handle.View.NodeCount()
	if err := s.store.InsertTreeMetadata(ctx, treeID, session.UserID, title, nodeCount); err != nil {
		log.Error().Err(err).Str("tree_id", treeID).Msg("create metadata record failed")
	}
	if err := s.store.GrantPermission(ctx, treeID, session.UserID, string(perm.TypeOwner)); err != nil {
		log.Error().Err(err).Str("tree_id", treeID).Msg("grant owner permission failed")
	}
	return treeID, nil
}

// DuplicateTree forks an existing document into a fresh one with its
// own id. Sessionless calls still duplicate; they just leave no
// metadata record behind.
func (s *Service) DuplicateTree(ctx context.Context, session *Session, originTreeID string) (string, error) {
	if originTreeID == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "origin_tree_id is required", nil)
	}
	newID, err := s.registry.Duplicate(ctx, originTreeID)
	if err != nil {
		return "", err
	}
	if session != nil {
		handle, err := s.registry.Get(ctx, newID, true)
		if err == nil {
			if err := s.store.InsertTreeMetadata(ctx, newID, session.UserID, handle.View.RootTitle(), handle.View.NodeCount()); err != nil {
				log.Error().Err(err).Str("tree_id", newID).Msg("duplicate metadata record failed")
			}
		}
	}
	return newID, nil
}

// DeleteTree soft-deletes the metadata record. Only the recorded owner
// may delete; the replicated content stays in the update log so live
// sessions survive.
func (s *Service) DeleteTree(ctx context.Context, session Session, treeID string) error {
	meta, err := s.store.GetTreeMetadata(ctx, treeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Tree not found", nil)
		}
		return err
	}
	if meta.Owner != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a tree", nil)
	}
	deleted, err := s.store.SoftDeleteTree(ctx, treeID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Tree not found", nil)
	}
	return nil
}

func (s *Service) ListUserTrees(ctx context.Context, session Session) ([]store.TreeMetadata, error) {
	return s.store.ListUserTrees(ctx, session.UserID)
}

func (s *Service) GetTreeMetadata(ctx context.Context, treeID string) (store.TreeMetadata, error) {
	meta, err := s.store.GetTreeMetadata(ctx, treeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TreeMetadata{}, domainError(http.StatusNotFound, "NOT_FOUND", "Tree not found", nil)
		}
		return store.TreeMetadata{}, err
	}
	return meta, nil
}

// GrantPermission upserts a (tree, user) permission. Grants against
// soft-deleted trees are refused; revokes are not, so cleanup of stale
// grants always works.
func (s *Service) GrantPermission(ctx context.Context, treeID, userID, permissionType string) error {
	kind := perm.Type(permissionType)
	if !perm.Valid(kind) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permissionType must be owner, editor or viewer", nil)
	}
	meta, err := s.store.GetTreeMetadata(ctx, treeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Tree not found", nil)
		}
		return err
	}
	if meta.Deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Tree not found", nil)
	}
	return s.store.GrantPermission(ctx, treeID, userID, string(kind))
}

func (s *Service) RevokePermission(ctx context.Context, treeID, userID string) error {
	return s.store.RevokePermission(ctx, treeID, userID)
}

func (s *Service) GetPermission(ctx context.Context, treeID, userID string) (store.TreePermission, error) {
	p, err := s.store.GetPermission(ctx, treeID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TreePermission{}, domainError(http.StatusNotFound, "NOT_FOUND", "Permission not found", nil)
		}
		return store.TreePermission{}, err
	}
	return p, nil
}

func (s *Service) ListTreePermissions(ctx context.Context, treeID string) ([]store.TreePermission, error) {
	return s.store.ListTreePermissions(ctx, treeID)
}

func (s *Service) ListUserPermissions(ctx context.Context, userID string) ([]store.TreePermission, error) {
	return s.store.ListUserPermissions(ctx, userID)
}

func (s *Service) HasPermission(ctx context.Context, treeID, userID, permissionType string) (bool, error) {
	kind := perm.Type(permissionType)
	if !perm.Valid(kind) {
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permissionType must be owner, editor or viewer", nil)
	}
	return s.store.HasPermission(ctx, treeID, userID, string(kind))
}

func (s *Service) RecordVisit(ctx context.Context, session Session, treeID string) error {
	if treeID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "treeId is required", nil)
	}
	return s.store.RecordVisit(ctx, session.UserID, treeID)
}

// ListVisitedTrees joins the caller's visit history with tree metadata.
// Visits pointing at soft-deleted or vanished trees are filtered out
// rather than surfaced as errors.
func (s *Service) ListVisitedTrees(ctx context.Context, session Session) ([]store.VisitedTree, error) {
	visits, err := s.store.ListVisits(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]store.VisitedTree, 0, len(visits))
	for _, v := range visits {
		meta, err := s.store.GetTreeMetadata(ctx, v.TreeID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		if meta.Deleted {
			continue
		}
		out = append(out, store.VisitedTree{TreeMetadata: meta, LastVisited: v.LastVisited})
	}
	return out, nil
}

func (s *Service) RemoveVisit(ctx context.Context, session Session, treeID string) error {
	return s.store.RemoveVisit(ctx, session.UserID, treeID)
}
