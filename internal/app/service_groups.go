package app

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"songbook/api/internal/perm"
	"songbook/api/internal/search"
	"songbook/api/internal/store"
	"songbook/api/internal/util"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

func (s *Service) CreateGroup(ctx context.Context, session Session, name, slug string) (store.Group, error) {
	if session.UserID == "" {
		return store.Group{}, errNotAuthenticated()
	}
	name = strings.TrimSpace(name)
	slug = strings.ToLower(strings.TrimSpace(slug))
	if name == "" {
		return store.Group{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if !slugPattern.MatchString(slug) {
		return store.Group{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits, and hyphens", nil)
	}
	if slug == CommunitySlug {
		return store.Group{}, domainError(http.StatusConflict, "INVALID_STATE", "That slug is reserved", nil)
	}
	if _, err := s.store.GetGroupBySlug(ctx, slug); err == nil {
		return store.Group{}, domainError(http.StatusConflict, "INVALID_STATE", "A group with that slug already exists", nil)
	}

	group := store.Group{
		ID:   util.NewID("grp"),
		Slug: slug,
		Name: name,
	}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return store.Group{}, err
	}
	if err := s.store.UpsertMembership(ctx, group.ID, session.UserID, string(perm.RoleOwner)); err != nil {
		return store.Group{}, err
	}
	return s.store.GetGroup(ctx, group.ID)
}

func (s *Service) ListGroups(ctx context.Context) ([]store.Group, error) {
	return s.store.ListGroups(ctx)
}

func (s *Service) GetGroup(ctx context.Context, groupID string) (store.Group, error) {
	return s.store.GetGroup(ctx, groupID)
}

func (s *Service) ListGroupMembers(ctx context.Context, session Session, groupID string) ([]store.GroupMember, error) {
	if session.UserID == "" {
		return nil, errNotAuthenticated()
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.store.ListGroupMembers(ctx, groupID)
}

// requireGroupModerator checks the session user holds an admin or owner
// role in the group.
func (s *Service) requireGroupModerator(ctx context.Context, session Session, groupID string) (perm.Role, error) {
	if session.UserID == "" {
		return perm.RoleNone, errNotAuthenticated()
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return perm.RoleNone, err
	}
	raw, err := s.store.GetMembership(ctx, groupID, session.UserID)
	if err != nil {
		return perm.RoleNone, err
	}
	role, _ := perm.ParseRole(raw)
	if !perm.Elevated(role) {
		return perm.RoleNone, errPermissionDenied("You must be a group admin or owner")
	}
	return role, nil
}

func (s *Service) AddGroupMember(ctx context.Context, session Session, groupID, username, roleRaw string) error {
	actorRole, err := s.requireGroupModerator(ctx, session, groupID)
	if err != nil {
		return err
	}
	role, ok := perm.ParseRole(roleRaw)
	if !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be member, admin, or owner", nil)
	}
	// Only an owner can hand out the owner role.
	if role == perm.RoleOwner && actorRole != perm.RoleOwner {
		return errPermissionDenied("Only a group owner can assign the owner role")
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return errNotFound("User not found")
	}
	return s.store.UpsertMembership(ctx, groupID, user.ID, string(role))
}

// SetGroupMemberRole assigns a role to a user by ID, adding them to the
// group if they are not yet a member.
func (s *Service) SetGroupMemberRole(ctx context.Context, session Session, groupID, userID, roleRaw string) error {
	actorRole, err := s.requireGroupModerator(ctx, session, groupID)
	if err != nil {
		return err
	}
	role, ok := perm.ParseRole(roleRaw)
	if !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be member, admin, or owner", nil)
	}
	if role == perm.RoleOwner && actorRole != perm.RoleOwner {
		return errPermissionDenied("Only a group owner can assign the owner role")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return errNotFound("User not found")
	}
	return s.store.UpsertMembership(ctx, groupID, userID, string(role))
}

func (s *Service) RemoveGroupMember(ctx context.Context, session Session, groupID, userID string) error {
	if _, err := s.requireGroupModerator(ctx, session, groupID); err != nil {
		return err
	}
	raw, err := s.store.GetMembership(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if role, _ := perm.ParseRole(raw); role == perm.RoleOwner {
		return errInvalidState("Group owners cannot be removed")
	}
	return s.store.RemoveMembership(ctx, groupID, userID)
}

// LeaveGroup removes the session user's own membership. Owners must hand
// the group over first.
func (s *Service) LeaveGroup(ctx context.Context, session Session, groupID string) error {
	if session.UserID == "" {
		return errNotAuthenticated()
	}
	raw, err := s.store.GetMembership(ctx, groupID, session.UserID)
	if err != nil {
		return err
	}
	if raw == "" {
		return errNotFound("You are not a member of this group")
	}
	if role, _ := perm.ParseRole(raw); role == perm.RoleOwner {
		return errInvalidState("Owners must transfer ownership before leaving")
	}
	return s.store.RemoveMembership(ctx, groupID, session.UserID)
}

// --- search ---

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
