package perm

import "testing"

const (
	creatorID  = "usr_creator"
	visitorID  = "usr_visitor"
	communityG = "grp_community"
	choirG     = "grp_choir"
)

func personal() Content {
	return Content{CreatedBy: creatorID, OwnerKind: OwnerPersonal}
}

func communityOwned() Content {
	return Content{CreatedBy: creatorID, OwnerKind: OwnerGroup, OwnerGroupID: communityG, CommunityOwned: true}
}

func groupOwned() Content {
	return Content{CreatedBy: creatorID, OwnerKind: OwnerGroup, OwnerGroupID: choirG}
}

func TestCanEditSong(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		subject Subject
		allow   bool
	}{
		{name: "personal creator", content: personal(), subject: Subject{UserID: creatorID}, allow: true},
		{name: "personal non-creator", content: personal(), subject: Subject{UserID: visitorID}, allow: false},
		{name: "personal collaborator flag ignored for songs", content: personal(), subject: Subject{UserID: visitorID, Collaborator: true}, allow: false},

		{name: "community creator without membership", content: communityOwned(), subject: Subject{UserID: creatorID}, allow: true},
		{name: "community plain member", content: communityOwned(), subject: Subject{UserID: visitorID, Role: RoleMember}, allow: true},
		{name: "community admin", content: communityOwned(), subject: Subject{UserID: visitorID, Role: RoleAdmin}, allow: true},
		{name: "community non-member", content: communityOwned(), subject: Subject{UserID: visitorID}, allow: false},

		{name: "group creator", content: groupOwned(), subject: Subject{UserID: creatorID}, allow: true},
		{name: "group plain member", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleMember}, allow: false},
		{name: "group admin", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleAdmin}, allow: true},
		{name: "group owner", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleOwner}, allow: true},
		{name: "group non-member", content: groupOwned(), subject: Subject{UserID: visitorID}, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanEditSong(tc.content, tc.subject); got != tc.allow {
				t.Fatalf("CanEditSong(%+v, %+v) = %v, want %v", tc.content, tc.subject, got, tc.allow)
			}
		})
	}
}

func TestCanEditArrangement(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		subject Subject
		allow   bool
	}{
		{name: "personal creator", content: personal(), subject: Subject{UserID: creatorID}, allow: true},
		{name: "personal non-creator", content: personal(), subject: Subject{UserID: visitorID}, allow: false},
		{name: "personal collaborator", content: personal(), subject: Subject{UserID: visitorID, Collaborator: true}, allow: true},
		{name: "personal co-author", content: personal(), subject: Subject{UserID: visitorID, Coauthor: true}, allow: true},

		{name: "community plain member", content: communityOwned(), subject: Subject{UserID: visitorID, Role: RoleMember}, allow: true},
		{name: "community non-member co-author flag does not apply", content: communityOwned(), subject: Subject{UserID: visitorID, Coauthor: true}, allow: false},

		{name: "group admin", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleAdmin}, allow: true},
		{name: "group plain member without co-authorship", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleMember}, allow: false},
		{name: "group plain member co-author", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleMember, Coauthor: true}, allow: true},
		{name: "group non-member co-author", content: groupOwned(), subject: Subject{UserID: visitorID, Coauthor: true}, allow: false},
		{name: "group collaborator flag does not apply", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleMember, Collaborator: true}, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanEditArrangement(tc.content, tc.subject); got != tc.allow {
				t.Fatalf("CanEditArrangement(%+v, %+v) = %v, want %v", tc.content, tc.subject, got, tc.allow)
			}
		})
	}
}

func TestCanAccessHistory(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		subject Subject
		allow   bool
	}{
		{name: "personal content has no history", content: personal(), subject: Subject{UserID: creatorID}, allow: false},
		{name: "other group content has no history", content: groupOwned(), subject: Subject{UserID: visitorID, Role: RoleOwner}, allow: false},

		{name: "community creator", content: communityOwned(), subject: Subject{UserID: creatorID}, allow: true},
		{name: "community creator who is also plain member", content: communityOwned(), subject: Subject{UserID: creatorID, Role: RoleMember}, allow: true},
		{name: "community admin", content: communityOwned(), subject: Subject{UserID: visitorID, Role: RoleAdmin}, allow: true},
		{name: "community owner", content: communityOwned(), subject: Subject{UserID: visitorID, Role: RoleOwner}, allow: true},
		{name: "community plain member", content: communityOwned(), subject: Subject{UserID: visitorID, Role: RoleMember}, allow: false},
		{name: "community non-member", content: communityOwned(), subject: Subject{UserID: visitorID}, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAccessHistory(tc.content, tc.subject); got != tc.allow {
				t.Fatalf("CanAccessHistory(%+v, %+v) = %v, want %v", tc.content, tc.subject, got, tc.allow)
			}
		})
	}
}

func TestHistoryAccessNarrowerThanEdit(t *testing.T) {
	// Every community member can edit, but only moderators and the creator
	// can see history.
	member := Subject{UserID: visitorID, Role: RoleMember}
	c := communityOwned()
	if !CanEditSong(c, member) {
		t.Fatal("expected community member to have edit rights")
	}
	if CanAccessHistory(c, member) {
		t.Fatal("expected community member to lack history access")
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole("admin"); !ok || role != RoleAdmin {
		t.Fatalf("ParseRole(admin) = %q, %v", role, ok)
	}
	if _, ok := ParseRole("superuser"); ok {
		t.Fatal("expected unknown role to be rejected")
	}
	if _, ok := ParseRole(""); ok {
		t.Fatal("expected empty role to be rejected")
	}
}
