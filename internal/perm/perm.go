// Package perm decides who may edit content and who may see its version
// history. The functions are pure: callers resolve ownership and membership
// first, then ask for a verdict. A false verdict is not an error; the
// service layer converts it into PERMISSION_DENIED where appropriate.
package perm

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// RoleNone marks the absence of a membership row.
const RoleNone Role = ""

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleOwner, RoleAdmin, RoleMember:
		return Role(raw), true
	default:
		return RoleNone, false
	}
}

// Elevated reports whether the role carries moderation rights in its group.
func Elevated(role Role) bool {
	return role == RoleAdmin || role == RoleOwner
}

type OwnerKind string

const (
	OwnerPersonal OwnerKind = "none"
	OwnerGroup    OwnerKind = "group"
)

// Content is the ownership view of one song or arrangement.
type Content struct {
	CreatedBy      string
	OwnerKind      OwnerKind
	OwnerGroupID   string
	CommunityOwned bool
}

// Subject is the requesting user's relationship to that content.
// Role is the user's membership role in the owning group (RoleNone when the
// content is personally owned or the user is not a member). Collaborator and
// Coauthor only apply to arrangements.
type Subject struct {
	UserID       string
	Role         Role
	Collaborator bool
	Coauthor     bool
}

// CanEditSong applies the song rules in priority order: the creator always
// wins; community content is open to every member; other group content needs
// admin or owner.
func CanEditSong(c Content, s Subject) bool {
	if s.UserID != "" && s.UserID == c.CreatedBy {
		return true
	}
	if c.OwnerKind == OwnerGroup {
		if c.CommunityOwned {
			return s.Role != RoleNone
		}
		return Elevated(s.Role)
	}
	return false
}

// CanEditArrangement follows the same priority order as songs with two extra
// branches: a plain member of a non-community owning group may edit iff they
// are a co-author, and on personally owned arrangements a non-creator may
// edit iff they are a listed collaborator or co-author.
func CanEditArrangement(c Content, s Subject) bool {
	if s.UserID != "" && s.UserID == c.CreatedBy {
		return true
	}
	if c.OwnerKind == OwnerGroup {
		if c.CommunityOwned {
			return s.Role != RoleNone
		}
		if Elevated(s.Role) {
			return true
		}
		return s.Role == RoleMember && s.Coauthor
	}
	return s.Collaborator || s.Coauthor
}

// CanAccessHistory gates version history and rollback. It is deliberately
// narrower than edit rights: only community-owned content has history, and
// only community moderators or the original creator may see it. A plain
// member who can edit the content still cannot inspect its history.
func CanAccessHistory(c Content, s Subject) bool {
	if c.OwnerKind != OwnerGroup || !c.CommunityOwned {
		return false
	}
	if s.UserID != "" && s.UserID == c.CreatedBy {
		return true
	}
	return Elevated(s.Role)
}
