package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"songbook/api/internal/content"
	"songbook/api/internal/export"
	"songbook/api/internal/perm"
	"songbook/api/internal/store"
	"songbook/api/internal/util"
)

func (s *Service) CreateArrangement(ctx context.Context, session Session, songID string, fields content.ArrangementSnapshot) (store.Arrangement, error) {
	if session.UserID == "" {
		return store.Arrangement{}, errNotAuthenticated()
	}
	if strings.TrimSpace(fields.Name) == "" {
		return store.Arrangement{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, err := s.store.GetSong(ctx, songID); err != nil {
		return store.Arrangement{}, err
	}

	arrangement := store.Arrangement{
		ID:            util.NewID("arr"),
		SongID:        songID,
		Name:          fields.Name,
		Key:           fields.Key,
		Tempo:         fields.Tempo,
		Capo:          fields.Capo,
		TimeSignature: fields.TimeSignature,
		ChordContent:  fields.ChordContent,
		Tags:          fields.Tags,
		CreatedBy:     session.UserID,
		OwnerType:     ownerPersonal,
	}
	if err := s.store.InsertArrangement(ctx, arrangement); err != nil {
		return store.Arrangement{}, err
	}
	// The creator is the primary co-author.
	if err := s.store.AddCoauthor(ctx, arrangement.ID, session.UserID, true); err != nil {
		return store.Arrangement{}, err
	}

	created, err := s.store.GetArrangement(ctx, arrangement.ID)
	if err != nil {
		return store.Arrangement{}, err
	}
	s.indexArrangement(created)
	return created, nil
}

func (s *Service) GetArrangement(ctx context.Context, arrangementID string) (store.Arrangement, error) {
	return s.store.GetArrangement(ctx, arrangementID)
}

func (s *Service) ListArrangements(ctx context.Context, songID string) ([]store.Arrangement, error) {
	if _, err := s.store.GetSong(ctx, songID); err != nil {
		return nil, err
	}
	return s.store.ListArrangementsBySong(ctx, songID)
}

func (s *Service) CanEditArrangement(ctx context.Context, session Session, arrangementID string) (bool, error) {
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return false, err
	}
	c, err := s.ownership(ctx, arrangement.CreatedBy, arrangement.OwnerType, arrangement.OwnerID)
	if err != nil {
		return false, err
	}
	sub, err := s.subjectFor(ctx, session, c, arrangementID)
	if err != nil {
		return false, err
	}
	return perm.CanEditArrangement(c, sub), nil
}

func (s *Service) UpdateArrangement(ctx context.Context, session Session, arrangementID string, fields content.ArrangementSnapshot, description string) (store.Arrangement, error) {
	if session.UserID == "" {
		return store.Arrangement{}, errNotAuthenticated()
	}
	if strings.TrimSpace(fields.Name) == "" {
		return store.Arrangement{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	c, err := s.ownership(ctx, arrangement.CreatedBy, arrangement.OwnerType, arrangement.OwnerID)
	if err != nil {
		return store.Arrangement{}, err
	}
	sub, err := s.subjectFor(ctx, session, c, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	if !perm.CanEditArrangement(c, sub) {
		return store.Arrangement{}, errPermissionDenied("You cannot edit this arrangement")
	}

	draft, err := s.arrangementSnapshotDraft(ctx, c, arrangement, session.UserID, description)
	if err != nil {
		return store.Arrangement{}, err
	}

	if err := s.store.UpdateArrangement(ctx, arrangementID, fields, draft); err != nil {
		return store.Arrangement{}, err
	}

	updated, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	s.indexArrangement(updated)
	if draft != nil {
		message := description
		if message == "" {
			message = "Content updated"
		}
		s.archiveVersion(content.TypeArrangement, arrangementID, updated.VersionSeq, draft.Snapshot, session.UserName, message)
	}
	return updated, nil
}

func (s *Service) ArrangementHistory(ctx context.Context, session Session, arrangementID string, limit int) ([]store.VersionRecord, error) {
	if session.UserID == "" {
		return nil, errNotAuthenticated()
	}
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return nil, err
	}
	c, err := s.ownership(ctx, arrangement.CreatedBy, arrangement.OwnerType, arrangement.OwnerID)
	if err != nil {
		return nil, err
	}
	sub, err := s.subjectFor(ctx, session, c, arrangementID)
	if err != nil {
		return nil, err
	}
	if !perm.CanAccessHistory(c, sub) {
		return []store.VersionRecord{}, nil
	}
	records, err := s.store.ListVersions(ctx, content.TypeArrangement, arrangementID)
	if err != nil {
		return nil, err
	}
	return limitVersions(records, limit), nil
}

func (s *Service) ArrangementVersion(ctx context.Context, session Session, arrangementID string, version int) (store.VersionRecord, error) {
	if session.UserID == "" {
		return store.VersionRecord{}, errNotAuthenticated()
	}
	if _, err := s.store.GetArrangement(ctx, arrangementID); err != nil {
		return store.VersionRecord{}, err
	}
	return s.store.GetVersion(ctx, content.TypeArrangement, arrangementID, version)
}

func (s *Service) RollbackArrangement(ctx context.Context, session Session, arrangementID string, version int) (store.Arrangement, error) {
	if session.UserID == "" {
		return store.Arrangement{}, errNotAuthenticated()
	}
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	c, err := s.ownership(ctx, arrangement.CreatedBy, arrangement.OwnerType, arrangement.OwnerID)
	if err != nil {
		return store.Arrangement{}, err
	}
	sub, err := s.subjectFor(ctx, session, c, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	if !perm.CanAccessHistory(c, sub) {
		return store.Arrangement{}, errPermissionDenied("You cannot roll back this arrangement")
	}

	target, err := s.store.GetVersion(ctx, content.TypeArrangement, arrangementID, version)
	if err != nil {
		return store.Arrangement{}, err
	}
	restored, err := content.DecodeArrangementSnapshot(target.Snapshot)
	if err != nil {
		return store.Arrangement{}, err
	}

	currentEncoded, err := arrangementSnapshot(arrangement).Encode()
	if err != nil {
		return store.Arrangement{}, err
	}
	pre := store.VersionDraft{
		Snapshot:    currentEncoded,
		ChangedBy:   session.UserID,
		Description: fmt.Sprintf("Rollback preparation (before rollback to v%d)", version),
	}
	post := store.VersionDraft{
		Snapshot:    target.Snapshot,
		ChangedBy:   session.UserID,
		Description: fmt.Sprintf("Rolled back to version %d", version),
	}

	if err := s.store.RollbackArrangement(ctx, arrangementID, pre, post, restored); err != nil {
		return store.Arrangement{}, err
	}

	updated, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	s.indexArrangement(updated)
	s.archiveVersion(content.TypeArrangement, arrangementID, updated.VersionSeq-1, pre.Snapshot, session.UserName, pre.Description)
	s.archiveVersion(content.TypeArrangement, arrangementID, updated.VersionSeq, post.Snapshot, session.UserName, post.Description)
	return updated, nil
}

func (s *Service) TransferArrangementToCommunity(ctx context.Context, session Session, arrangementID string) (store.Arrangement, error) {
	if session.UserID == "" {
		return store.Arrangement{}, errNotAuthenticated()
	}
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	if arrangement.CreatedBy != session.UserID {
		return store.Arrangement{}, errPermissionDenied("Only the creator can transfer this arrangement")
	}
	if arrangement.OwnerType == ownerGroup {
		return store.Arrangement{}, errInvalidState("Arrangement is already owned by a group")
	}

	community, err := s.communityGroup(ctx)
	if err != nil {
		return store.Arrangement{}, err
	}
	if community == nil {
		return store.Arrangement{}, errInvalidState("Community group is not available")
	}

	encoded, err := arrangementSnapshot(arrangement).Encode()
	if err != nil {
		return store.Arrangement{}, err
	}
	draft := store.VersionDraft{
		Snapshot:    encoded,
		ChangedBy:   session.UserID,
		Description: "Original version (before community transfer)",
	}

	ok, err := s.store.TransferArrangementToCommunity(ctx, arrangementID, community.ID, draft)
	if err != nil {
		return store.Arrangement{}, err
	}
	if !ok {
		return store.Arrangement{}, errInvalidState("Arrangement is already owned by a group")
	}

	updated, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	s.archiveVersion(content.TypeArrangement, arrangementID, updated.VersionSeq, draft.Snapshot, session.UserName, draft.Description)
	s.notifyTransfer(ctx, session.UserID, updated.Name, "/arrangements/"+arrangementID)
	return updated, nil
}

func (s *Service) ReclaimArrangement(ctx context.Context, session Session, arrangementID string) (store.Arrangement, error) {
	if session.UserID == "" {
		return store.Arrangement{}, errNotAuthenticated()
	}
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	if arrangement.CreatedBy != session.UserID {
		return store.Arrangement{}, errPermissionDenied("Only the creator can reclaim this arrangement")
	}
	if arrangement.OwnerType != ownerGroup {
		return store.Arrangement{}, errInvalidState("Arrangement is not community-owned")
	}

	community, err := s.communityGroup(ctx)
	if err != nil {
		return store.Arrangement{}, err
	}
	if community == nil || arrangement.OwnerID == nil || *arrangement.OwnerID != community.ID {
		return store.Arrangement{}, errInvalidState("Arrangement is not community-owned")
	}

	ok, err := s.store.ReclaimArrangement(ctx, arrangementID, community.ID)
	if err != nil {
		return store.Arrangement{}, err
	}
	if !ok {
		return store.Arrangement{}, errInvalidState("Arrangement is not community-owned")
	}
	return s.store.GetArrangement(ctx, arrangementID)
}

// --- collaborators and co-authors ---

// requireArrangementCreator loads the arrangement and checks the session
// user created it. Roster changes are creator-only.
func (s *Service) requireArrangementCreator(ctx context.Context, session Session, arrangementID string) (store.Arrangement, error) {
	if session.UserID == "" {
		return store.Arrangement{}, errNotAuthenticated()
	}
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return store.Arrangement{}, err
	}
	if arrangement.CreatedBy != session.UserID {
		return store.Arrangement{}, errPermissionDenied("Only the creator can manage this arrangement's people")
	}
	return arrangement, nil
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, arrangementID, username string) error {
	if _, err := s.requireArrangementCreator(ctx, session, arrangementID); err != nil {
		return err
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return errNotFound("User not found")
	}
	return s.store.AddCollaborator(ctx, arrangementID, user.ID)
}

// AddCollaboratorByID is the by-user-ID form used by the PUT roster route.
func (s *Service) AddCollaboratorByID(ctx context.Context, session Session, arrangementID, userID string) error {
	if _, err := s.requireArrangementCreator(ctx, session, arrangementID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return errNotFound("User not found")
	}
	return s.store.AddCollaborator(ctx, arrangementID, userID)
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, arrangementID, userID string) error {
	if _, err := s.requireArrangementCreator(ctx, session, arrangementID); err != nil {
		return err
	}
	return s.store.RemoveCollaborator(ctx, arrangementID, userID)
}

func (s *Service) ListCollaborators(ctx context.Context, arrangementID string) ([]store.Collaborator, error) {
	if _, err := s.store.GetArrangement(ctx, arrangementID); err != nil {
		return nil, err
	}
	return s.store.ListCollaborators(ctx, arrangementID)
}

func (s *Service) AddCoauthor(ctx context.Context, session Session, arrangementID, username string, isPrimary bool) error {
	if _, err := s.requireArrangementCreator(ctx, session, arrangementID); err != nil {
		return err
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return errNotFound("User not found")
	}
	return s.store.AddCoauthor(ctx, arrangementID, user.ID, isPrimary)
}

func (s *Service) AddCoauthorByID(ctx context.Context, session Session, arrangementID, userID string, isPrimary bool) error {
	if _, err := s.requireArrangementCreator(ctx, session, arrangementID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return errNotFound("User not found")
	}
	return s.store.AddCoauthor(ctx, arrangementID, userID, isPrimary)
}

func (s *Service) RemoveCoauthor(ctx context.Context, session Session, arrangementID, userID string) error {
	arrangement, err := s.requireArrangementCreator(ctx, session, arrangementID)
	if err != nil {
		return err
	}
	if userID == arrangement.CreatedBy {
		return errInvalidState("The creator cannot be removed from co-authors")
	}
	return s.store.RemoveCoauthor(ctx, arrangementID, userID)
}

func (s *Service) ListCoauthors(ctx context.Context, arrangementID string) ([]store.Coauthor, error) {
	if _, err := s.store.GetArrangement(ctx, arrangementID); err != nil {
		return nil, err
	}
	return s.store.ListCoauthors(ctx, arrangementID)
}

// --- audio attachments ---

func (s *Service) UploadArrangementAudio(ctx context.Context, session Session, arrangementID, filename string, r io.Reader, size int64, contentType string) (string, error) {
	if s.media == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Audio storage is not configured", nil)
	}
	if session.UserID == "" {
		return "", errNotAuthenticated()
	}
	canEdit, err := s.CanEditArrangement(ctx, session, arrangementID)
	if err != nil {
		return "", err
	}
	if !canEdit {
		return "", errPermissionDenied("You cannot edit this arrangement")
	}

	key, err := s.media.PutAudio(ctx, arrangementID, filename, r, size, contentType)
	if err != nil {
		return "", err
	}
	if err := s.store.SetArrangementAudio(ctx, arrangementID, key); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) ArrangementAudio(ctx context.Context, arrangementID string) (io.ReadCloser, string, int64, error) {
	if s.media == nil {
		return nil, "", 0, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Audio storage is not configured", nil)
	}
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return nil, "", 0, err
	}
	if arrangement.AudioKey == "" {
		return nil, "", 0, errNotFound("This arrangement has no audio")
	}
	return s.media.GetAudio(ctx, arrangement.AudioKey)
}

// --- sheet export ---

func (s *Service) ExportArrangementSheet(ctx context.Context, arrangementID string, format export.Format) (*export.Result, error) {
	arrangement, err := s.store.GetArrangement(ctx, arrangementID)
	if err != nil {
		return nil, err
	}
	song, err := s.store.GetSong(ctx, arrangement.SongID)
	if err != nil {
		return nil, err
	}
	coauthors, err := s.store.ListCoauthors(ctx, arrangementID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(coauthors))
	for _, ca := range coauthors {
		names = append(names, ca.Username)
	}

	return s.exporter.Sheet(export.SheetData{
		SongTitle:       song.Title,
		Artist:          song.Artist,
		ArrangementName: arrangement.Name,
		Key:             arrangement.Key,
		Tempo:           arrangement.Tempo,
		Capo:            arrangement.Capo,
		TimeSignature:   arrangement.TimeSignature,
		ChordContent:    arrangement.ChordContent,
		Tags:            arrangement.Tags,
		Coauthors:       names,
		Copyright:       song.Copyright,
		UpdatedAt:       arrangement.UpdatedAt,
	}, format)
}

// ExportSongSheet renders a lyrics-only sheet for a song, with no
// arrangement metadata.
func (s *Service) ExportSongSheet(ctx context.Context, songID string, format export.Format) (*export.Result, error) {
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Sheet(export.SheetData{
		SongTitle:    song.Title,
		Artist:       song.Artist,
		ChordContent: song.Lyrics,
		Tags:         song.Themes,
		Copyright:    song.Copyright,
		UpdatedAt:    song.UpdatedAt,
	}, format)
}
