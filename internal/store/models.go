package store

import "time"

type User struct {
	ID                    string
	Username              string
	RealName              string
	ShowRealName          bool
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DisplayName prefers the real name only when the user opted in.
func (u User) DisplayName() string {
	if u.ShowRealName && u.RealName != "" {
		return u.RealName
	}
	return u.Username
}

type Group struct {
	ID            string
	Slug          string
	Name          string
	IsSystemGroup bool
	CreatedAt     time.Time
}

type Membership struct {
	GroupID   string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type Song struct {
	ID         string
	Title      string
	Artist     string
	Themes     []string
	Copyright  string
	Lyrics     string
	CreatedBy  string
	OwnerType  string
	OwnerID    *string
	VersionSeq int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Arrangement struct {
	ID            string
	SongID        string
	Name          string
	Key           string
	Tempo         int
	Capo          int
	TimeSignature string
	ChordContent  string
	Tags          []string
	AudioKey      string
	CreatedBy     string
	OwnerType     string
	OwnerID       *string
	VersionSeq    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Collaborator struct {
	ArrangementID string
	UserID        string
	CreatedAt     time.Time
	// Joined for API responses
	Username string
}

type Coauthor struct {
	ArrangementID string
	UserID        string
	IsPrimary     bool
	CreatedAt     time.Time
	// Joined for API responses
	Username string
}

// GroupMember is a membership row joined with the member's username.
type GroupMember struct {
	UserID   string
	Username string
	Role     string
}

// VersionRecord is one append-only snapshot of a community-owned content
// item. Rows are never updated or deleted.
type VersionRecord struct {
	ID                int64
	ContentType       string
	ContentID         string
	Version           int
	Snapshot          string
	ChangedBy         string
	ChangedAt         time.Time
	ChangeDescription string
	// Joined for history responses
	ChangedByName string
}

// VersionDraft is a version row waiting for its number; the store assigns
// the number from the content row's counter inside the write transaction.
type VersionDraft struct {
	Snapshot    string
	ChangedBy   string
	Description string
}
