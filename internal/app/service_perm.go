package app

import (
	"context"
	"fmt"

	"songbook/api/internal/content"
	"songbook/api/internal/perm"
	"songbook/api/internal/search"
	"songbook/api/internal/store"
)

// ownership builds the permission view of one content item. CommunityOwned
// is true only when the owning group is the system community group.
func (s *Service) ownership(ctx context.Context, createdBy, ownerType string, ownerID *string) (perm.Content, error) {
	c := perm.Content{
		CreatedBy: createdBy,
		OwnerKind: perm.OwnerKind(ownerType),
	}
	if c.OwnerKind != perm.OwnerGroup || ownerID == nil {
		return c, nil
	}
	c.OwnerGroupID = *ownerID

	community, err := s.communityGroup(ctx)
	if err != nil {
		return perm.Content{}, fmt.Errorf("resolve community group: %w", err)
	}
	c.CommunityOwned = community != nil && community.ID == c.OwnerGroupID
	return c, nil
}

// subjectFor resolves the session user's relationship to the content:
// membership role in the owning group, plus collaborator/co-author flags
// when an arrangement ID is given.
func (s *Service) subjectFor(ctx context.Context, session Session, c perm.Content, arrangementID string) (perm.Subject, error) {
	sub := perm.Subject{UserID: session.UserID}
	if session.UserID == "" {
		return sub, nil
	}

	if c.OwnerKind == perm.OwnerGroup && c.OwnerGroupID != "" {
		raw, err := s.store.GetMembership(ctx, c.OwnerGroupID, session.UserID)
		if err != nil {
			return perm.Subject{}, fmt.Errorf("resolve membership: %w", err)
		}
		if role, ok := perm.ParseRole(raw); ok {
			sub.Role = role
		}
	}

	if arrangementID != "" {
		collaborator, err := s.store.IsCollaborator(ctx, arrangementID, session.UserID)
		if err != nil {
			return perm.Subject{}, fmt.Errorf("resolve collaborator: %w", err)
		}
		coauthor, err := s.store.IsCoauthor(ctx, arrangementID, session.UserID)
		if err != nil {
			return perm.Subject{}, fmt.Errorf("resolve coauthor: %w", err)
		}
		sub.Collaborator = collaborator
		sub.Coauthor = coauthor
	}
	return sub, nil
}

func songSnapshot(song store.Song) content.SongSnapshot {
	return content.SongSnapshot{
		Title:     song.Title,
		Artist:    song.Artist,
		Themes:    song.Themes,
		Copyright: song.Copyright,
		Lyrics:    song.Lyrics,
	}
}

func arrangementSnapshot(a store.Arrangement) content.ArrangementSnapshot {
	return content.ArrangementSnapshot{
		Name:          a.Name,
		Key:           a.Key,
		Tempo:         a.Tempo,
		Capo:          a.Capo,
		TimeSignature: a.TimeSignature,
		ChordContent:  a.ChordContent,
		Tags:          a.Tags,
	}
}

// snapshotDraft decides whether this write needs a pre-change version
// record. Community-owned content gets one whenever the current state is
// not already the latest recorded snapshot (including when there is no
// record at all); everything else is never versioned.
func (s *Service) songSnapshotDraft(ctx context.Context, c perm.Content, song store.Song, changedBy, description string) (*store.VersionDraft, error) {
	if !c.CommunityOwned {
		return nil, nil
	}

	current := songSnapshot(song)
	latest, err := s.store.LatestVersion(ctx, content.TypeSong, song.ID)
	if err != nil {
		return nil, fmt.Errorf("load latest version: %w", err)
	}
	if latest != nil {
		recorded, err := content.DecodeSongSnapshot(latest.Snapshot)
		if err != nil {
			return nil, err
		}
		if recorded.Equal(current) {
			return nil, nil
		}
	}

	encoded, err := current.Encode()
	if err != nil {
		return nil, err
	}
	return &store.VersionDraft{Snapshot: encoded, ChangedBy: changedBy, Description: description}, nil
}

func (s *Service) arrangementSnapshotDraft(ctx context.Context, c perm.Content, a store.Arrangement, changedBy, description string) (*store.VersionDraft, error) {
	if !c.CommunityOwned {
		return nil, nil
	}

	current := arrangementSnapshot(a)
	latest, err := s.store.LatestVersion(ctx, content.TypeArrangement, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load latest version: %w", err)
	}
	if latest != nil {
		recorded, err := content.DecodeArrangementSnapshot(latest.Snapshot)
		if err != nil {
			return nil, err
		}
		if recorded.Equal(current) {
			return nil, nil
		}
	}

	encoded, err := current.Encode()
	if err != nil {
		return nil, err
	}
	return &store.VersionDraft{Snapshot: encoded, ChangedBy: changedBy, Description: description}, nil
}

// OwnerInfo is the display form of a content owner.
type OwnerInfo struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	GroupID   string `json:"groupId,omitempty"`
	GroupSlug string `json:"groupSlug,omitempty"`
}

// ResolveOwner projects ownership for API responses. Missing referents
// resolve to "Unknown" rather than an error; a dangling owner must never
// make content unreadable.
func (s *Service) ResolveOwner(ctx context.Context, ownerType string, ownerID *string, createdBy string) OwnerInfo {
	if ownerType == ownerGroup && ownerID != nil {
		group, err := s.store.GetGroup(ctx, *ownerID)
		if err != nil {
			return OwnerInfo{Type: ownerGroup, Name: "Unknown", GroupID: *ownerID}
		}
		return OwnerInfo{Type: ownerGroup, Name: group.Name, GroupID: group.ID, GroupSlug: group.Slug}
	}
	user, err := s.store.GetUserByID(ctx, createdBy)
	if err != nil {
		return OwnerInfo{Type: ownerPersonal, Name: "Unknown"}
	}
	return OwnerInfo{Type: ownerPersonal, Name: user.DisplayName()}
}

// --- side-effect hooks; all best-effort ---

func (s *Service) indexSong(song store.Song) {
	if s.search == nil {
		return
	}
	s.search.IndexSong(search.SongRecord{
		ID:     song.ID,
		Title:  song.Title,
		Artist: song.Artist,
		Themes: song.Themes,
		Lyrics: song.Lyrics,
	})
}

func (s *Service) indexArrangement(a store.Arrangement) {
	if s.search == nil {
		return
	}
	s.search.IndexArrangement(search.ArrangementRecord{
		ID:           a.ID,
		Name:         a.Name,
		Key:          a.Key,
		Tags:         a.Tags,
		ChordContent: a.ChordContent,
		SongID:       a.SongID,
	})
}

// archiveVersion mirrors a version record into the git archive. The store
// row is the source of truth; archive failures only produce a warning.
func (s *Service) archiveVersion(contentType content.Type, contentID string, version int, snapshot, author, message string) {
	if s.archive == nil {
		return
	}
	go func() {
		if err := s.archive.RecordVersion(string(contentType), contentID, version, snapshot, author, message); err != nil {
			s.log.Warn().Err(err).
				Str("content_type", string(contentType)).
				Str("content_id", contentID).
				Int("version", version).
				Msg("archive record failed")
		}
	}()
}
