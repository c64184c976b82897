package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"songbook/api/internal/content"
	"songbook/api/internal/perm"
	"songbook/api/internal/store"
	"songbook/api/internal/util"
)

const (
	ownerPersonal = "none"
	ownerGroup    = "group"
)

func (s *Service) CreateSong(ctx context.Context, session Session, fields content.SongSnapshot) (store.Song, error) {
	if session.UserID == "" {
		return store.Song{}, errNotAuthenticated()
	}
	if strings.TrimSpace(fields.Title) == "" {
		return store.Song{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	song := store.Song{
		ID:        util.NewID("sng"),
		Title:     fields.Title,
		Artist:    fields.Artist,
		Themes:    fields.Themes,
		Copyright: fields.Copyright,
		Lyrics:    fields.Lyrics,
		CreatedBy: session.UserID,
		OwnerType: ownerPersonal,
	}
	if err := s.store.InsertSong(ctx, song); err != nil {
		return store.Song{}, err
	}

	created, err := s.store.GetSong(ctx, song.ID)
	if err != nil {
		return store.Song{}, err
	}
	s.indexSong(created)
	return created, nil
}

func (s *Service) ListSongs(ctx context.Context) ([]store.Song, error) {
	return s.store.ListSongs(ctx)
}

func (s *Service) GetSong(ctx context.Context, songID string) (store.Song, error) {
	return s.store.GetSong(ctx, songID)
}

// CanEditSong reports the session user's edit verdict without performing a
// write. The client uses it to show or hide edit affordances.
func (s *Service) CanEditSong(ctx context.Context, session Session, songID string) (bool, error) {
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return false, err
	}
	c, err := s.ownership(ctx, song.CreatedBy, song.OwnerType, song.OwnerID)
	if err != nil {
		return false, err
	}
	sub, err := s.subjectFor(ctx, session, c, "")
	if err != nil {
		return false, err
	}
	return perm.CanEditSong(c, sub), nil
}

// UpdateSong patches the editable fields. For community-owned songs the
// pre-change state is recorded as a new version first, unless it already
// matches the latest record.
func (s *Service) UpdateSong(ctx context.Context, session Session, songID string, fields content.SongSnapshot, description string) (store.Song, error) {
	if session.UserID == "" {
		return store.Song{}, errNotAuthenticated()
	}
	if strings.TrimSpace(fields.Title) == "" {
		return store.Song{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	c, err := s.ownership(ctx, song.CreatedBy, song.OwnerType, song.OwnerID)
	if err != nil {
		return store.Song{}, err
	}
	sub, err := s.subjectFor(ctx, session, c, "")
	if err != nil {
		return store.Song{}, err
	}
	if !perm.CanEditSong(c, sub) {
		return store.Song{}, errPermissionDenied("You cannot edit this song")
	}

	draft, err := s.songSnapshotDraft(ctx, c, song, session.UserID, description)
	if err != nil {
		return store.Song{}, err
	}

	if err := s.store.UpdateSong(ctx, songID, fields, draft); err != nil {
		return store.Song{}, err
	}

	updated, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	s.indexSong(updated)
	if draft != nil {
		message := description
		if message == "" {
			message = "Content updated"
		}
		s.archiveVersion(content.TypeSong, songID, updated.VersionSeq, draft.Snapshot, session.UserName, message)
	}
	return updated, nil
}

// limitVersions truncates a history listing. Zero or negative means all.
func limitVersions(records []store.VersionRecord, limit int) []store.VersionRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// SongHistory lists version records newest first. Users without history
// access get an empty list rather than an error, so the endpoint does not
// reveal whether history exists.
func (s *Service) SongHistory(ctx context.Context, session Session, songID string, limit int) ([]store.VersionRecord, error) {
	if session.UserID == "" {
		return nil, errNotAuthenticated()
	}
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	c, err := s.ownership(ctx, song.CreatedBy, song.OwnerType, song.OwnerID)
	if err != nil {
		return nil, err
	}
	sub, err := s.subjectFor(ctx, session, c, "")
	if err != nil {
		return nil, err
	}
	if !perm.CanAccessHistory(c, sub) {
		return []store.VersionRecord{}, nil
	}
	records, err := s.store.ListVersions(ctx, content.TypeSong, songID)
	if err != nil {
		return nil, err
	}
	return limitVersions(records, limit), nil
}

func (s *Service) SongVersion(ctx context.Context, session Session, songID string, version int) (store.VersionRecord, error) {
	if session.UserID == "" {
		return store.VersionRecord{}, errNotAuthenticated()
	}
	if _, err := s.store.GetSong(ctx, songID); err != nil {
		return store.VersionRecord{}, err
	}
	return s.store.GetVersion(ctx, content.TypeSong, songID, version)
}

// RollbackSong restores the fields of an earlier version. Two records are
// appended in one transaction: a preparation record holding the state
// before the rollback, then a record holding the restored snapshot.
func (s *Service) RollbackSong(ctx context.Context, session Session, songID string, version int) (store.Song, error) {
	if session.UserID == "" {
		return store.Song{}, errNotAuthenticated()
	}
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	c, err := s.ownership(ctx, song.CreatedBy, song.OwnerType, song.OwnerID)
	if err != nil {
		return store.Song{}, err
	}
	sub, err := s.subjectFor(ctx, session, c, "")
	if err != nil {
		return store.Song{}, err
	}
	if !perm.CanAccessHistory(c, sub) {
		return store.Song{}, errPermissionDenied("You cannot roll back this song")
	}

	target, err := s.store.GetVersion(ctx, content.TypeSong, songID, version)
	if err != nil {
		return store.Song{}, err
	}
	restored, err := content.DecodeSongSnapshot(target.Snapshot)
	if err != nil {
		return store.Song{}, err
	}

	currentEncoded, err := songSnapshot(song).Encode()
	if err != nil {
		return store.Song{}, err
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

	if err := s.store.RollbackSong(ctx, songID, pre, post, restored); err != nil {
		return store.Song{}, err
	}

	updated, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	s.indexSong(updated)
	s.archiveVersion(content.TypeSong, songID, updated.VersionSeq-1, pre.Snapshot, session.UserName, pre.Description)
	s.archiveVersion(content.TypeSong, songID, updated.VersionSeq, post.Snapshot, session.UserName, post.Description)
	return updated, nil
}

// TransferSongToCommunity hands a personally owned song to the community
// group. The current state is recorded as the first version before
// ownership flips, so the creator's original is always recoverable.
func (s *Service) TransferSongToCommunity(ctx context.Context, session Session, songID string) (store.Song, error) {
	if session.UserID == "" {
		return store.Song{}, errNotAuthenticated()
	}
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	if song.CreatedBy != session.UserID {
		return store.Song{}, errPermissionDenied("Only the creator can transfer this song")
	}
	if song.OwnerType == ownerGroup {
		return store.Song{}, errInvalidState("Song is already owned by a group")
	}

	community, err := s.communityGroup(ctx)
	if err != nil {
		return store.Song{}, err
	}
	if community == nil {
		return store.Song{}, errInvalidState("Community group is not available")
	}

	encoded, err := songSnapshot(song).Encode()
	if err != nil {
		return store.Song{}, err
	}
	draft := store.VersionDraft{
		Snapshot:    encoded,
		ChangedBy:   session.UserID,
		Description: "Original version (before community transfer)",
	}

	ok, err := s.store.TransferSongToCommunity(ctx, songID, community.ID, draft)
	if err != nil {
		return store.Song{}, err
	}
	if !ok {
		return store.Song{}, errInvalidState("Song is already owned by a group")
	}

	updated, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	s.archiveVersion(content.TypeSong, songID, updated.VersionSeq, draft.Snapshot, session.UserName, draft.Description)
	s.notifyTransfer(ctx, session.UserID, updated.Title, "/songs/"+songID)
	return updated, nil
}

// ReclaimSong returns a community-owned song to the creator's personal
// collection. History rows are kept but become invisible until the song is
// transferred again.
func (s *Service) ReclaimSong(ctx context.Context, session Session, songID string) (store.Song, error) {
	if session.UserID == "" {
		return store.Song{}, errNotAuthenticated()
	}
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return store.Song{}, err
	}
	if song.CreatedBy != session.UserID {
		return store.Song{}, errPermissionDenied("Only the creator can reclaim this song")
	}
	if song.OwnerType != ownerGroup {
		return store.Song{}, errInvalidState("Song is not community-owned")
	}

	community, err := s.communityGroup(ctx)
	if err != nil {
		return store.Song{}, err
	}
	// Ownership by any other group stays put; reclaim only undoes a
	// community transfer.
	if community == nil || song.OwnerID == nil || *song.OwnerID != community.ID {
		return store.Song{}, errInvalidState("Song is not community-owned")
	}

	ok, err := s.store.ReclaimSong(ctx, songID, community.ID)
	if err != nil {
		return store.Song{}, err
	}
	if !ok {
		return store.Song{}, errInvalidState("Song is not community-owned")
	}
	return s.store.GetSong(ctx, songID)
}

// notifyTransfer emails the creator a confirmation that their content now
// lives in the community library. Best effort.
func (s *Service) notifyTransfer(ctx context.Context, userID, contentName, contentPath string) {
	if !s.SMTPConfigured() {
		return
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("transfer notice skipped")
		return
	}
	contentURL := s.cfg.AppBaseURL + contentPath
	go func() {
		if err := s.mailer.SendTransferNoticeEmail(user.Email, user.DisplayName(), contentName, contentURL); err != nil {
			s.log.Warn().Err(err).Str("email", user.Email).Msg("transfer notice email failed")
		}
	}()
}
