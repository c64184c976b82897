package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"songbook/api/internal/auth"
	"songbook/api/internal/authpw"
	"songbook/api/internal/config"
	"songbook/api/internal/content"
	"songbook/api/internal/email"
	"songbook/api/internal/export"
	"songbook/api/internal/media"
	"songbook/api/internal/perm"
	"songbook/api/internal/search"
	"songbook/api/internal/store"
	"songbook/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// CommunitySlug identifies the one system-managed group that backs the
// shared library.
const CommunitySlug = "community"

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	UpdateUserVerificationToken(context.Context, string, string, time.Time) error
	VerifyUserEmail(context.Context, string) (store.User, error)
	UpdateUserPassword(context.Context, string, string) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertGroup(context.Context, store.Group) error
	GetGroup(context.Context, string) (store.Group, error)
	GetGroupBySlug(context.Context, string) (store.Group, error)
	GetCommunityGroup(context.Context) (*store.Group, error)
	ListGroups(context.Context) ([]store.Group, error)
	GetMembership(context.Context, string, string) (string, error)
	UpsertMembership(context.Context, string, string, string) error
	RemoveMembership(context.Context, string, string) error
	ListGroupMembers(context.Context, string) ([]store.GroupMember, error)

	InsertSong(context.Context, store.Song) error
	GetSong(context.Context, string) (store.Song, error)
	ListSongs(context.Context) ([]store.Song, error)
	UpdateSong(context.Context, string, content.SongSnapshot, *store.VersionDraft) error
	RollbackSong(context.Context, string, store.VersionDraft, store.VersionDraft, content.SongSnapshot) error
	TransferSongToCommunity(context.Context, string, string, store.VersionDraft) (bool, error)
	ReclaimSong(context.Context, string, string) (bool, error)

	InsertArrangement(context.Context, store.Arrangement) error
	GetArrangement(context.Context, string) (store.Arrangement, error)
	ListArrangementsBySong(context.Context, string) ([]store.Arrangement, error)
	UpdateArrangement(context.Context, string, content.ArrangementSnapshot, *store.VersionDraft) error
	RollbackArrangement(context.Context, string, store.VersionDraft, store.VersionDraft, content.ArrangementSnapshot) error
	TransferArrangementToCommunity(context.Context, string, string, store.VersionDraft) (bool, error)
	ReclaimArrangement(context.Context, string, string) (bool, error)
	SetArrangementAudio(context.Context, string, string) error

	AddCollaborator(context.Context, string, string) error
	RemoveCollaborator(context.Context, string, string) error
	IsCollaborator(context.Context, string, string) (bool, error)
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	AddCoauthor(context.Context, string, string, bool) error
	RemoveCoauthor(context.Context, string, string) error
	IsCoauthor(context.Context, string, string) (bool, error)
	ListCoauthors(context.Context, string) ([]store.Coauthor, error)

	ListVersions(context.Context, content.Type, string) ([]store.VersionRecord, error)
	GetVersion(context.Context, content.Type, string, int) (store.VersionRecord, error)
	LatestVersion(context.Context, content.Type, string) (*store.VersionRecord, error)

	Ping(ctx context.Context) error
}

// sessionStore keeps refresh tokens. Redis when configured, PostgreSQL
// otherwise; both index sessions by token hash.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// archiveStore mirrors every version record into a per-content git
// repository. Failures are logged and never block the write path.
type archiveStore interface {
	RecordVersion(contentType, contentID string, version int, snapshot, author, message string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	search    *search.Service
	archive   archiveStore
	media     *media.Store
	exporter  *export.Service
	mailer    *email.Service
	log       zerolog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, archiveService archiveStore, mediaStore *media.Store, mailer *email.Service, logger zerolog.Logger) *Service {
	return newService(cfg, dataStore, dataStore, searchService, archiveService, mediaStore, mailer, logger)
}

// NewWithSessionStore routes refresh tokens through a dedicated session
// backend (Redis) instead of PostgreSQL.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service, archiveService archiveStore, mediaStore *media.Store, mailer *email.Service, logger zerolog.Logger) *Service {
	return newService(cfg, dataStore, sessions, searchService, archiveService, mediaStore, mailer, logger)
}

func newService(cfg config.Config, pg *store.PostgresStore, sessions sessionStore, searchService *search.Service, archiveService archiveStore, mediaStore *media.Store, mailer *email.Service, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     pg,
		sessions:  sessions,
		passwords: authpw.NewService(pg),
		search:    searchService,
		archive:   archiveService,
		media:     mediaStore,
		exporter:  export.NewService(),
		mailer:    mailer,
		log:       logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap makes sure the community group exists. Content transferred to
// the community is owned by this group; it is created once and never
// deleted.
func (s *Service) Bootstrap(ctx context.Context) error {
	community, err := s.store.GetCommunityGroup(ctx)
	if err != nil {
		return fmt.Errorf("look up community group: %w", err)
	}
	if community != nil {
		return nil
	}

	group := store.Group{
		ID:            util.NewID("grp"),
		Slug:          CommunitySlug,
		Name:          "Community Library",
		IsSystemGroup: true,
	}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return fmt.Errorf("create community group: %w", err)
	}
	s.log.Info().Str("group_id", group.ID).Msg("created community group")
	return nil
}

func (s *Service) communityGroup(ctx context.Context) (*store.Group, error) {
	return s.store.GetCommunityGroup(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// --- accounts ---

type SignUpInput struct {
	Username     string `json:"username"`
	RealName     string `json:"realName"`
	ShowRealName bool   `json:"showRealName"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

type SignUpResult struct {
	UserID            string
	VerificationToken string
}

// SignUp creates the account and enrolls it as a plain member of the
// community group, which is what lets the user edit community-owned
// content later.
func (s *Service) SignUp(ctx context.Context, input SignUpInput) (SignUpResult, error) {
	resp, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Username:     strings.TrimSpace(input.Username),
		RealName:     strings.TrimSpace(input.RealName),
		ShowRealName: input.ShowRealName,
		Email:        strings.TrimSpace(input.Email),
		Password:     input.Password,
	})
	if err != nil {
		return SignUpResult{}, err
	}

	community, err := s.communityGroup(ctx)
	if err != nil {
		return SignUpResult{}, err
	}
	if community != nil {
		if err := s.store.UpsertMembership(ctx, community.ID, resp.UserID, string(perm.RoleMember)); err != nil {
			return SignUpResult{}, fmt.Errorf("join community group: %w", err)
		}
	}

	if s.SMTPConfigured() {
		verifyURL := s.cfg.AppBaseURL + "/verify?token=" + resp.VerificationToken
		to := strings.TrimSpace(input.Email)
		name := strings.TrimSpace(input.Username)
		go func() {
			if err := s.mailer.SendVerificationEmail(to, name, verifyURL); err != nil {
				s.log.Warn().Err(err).Str("email", to).Msg("verification email failed")
			}
		}()
	}

	return SignUpResult{UserID: resp.UserID, VerificationToken: resp.VerificationToken}, nil
}

type SignInInput struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

var errEmailNotVerified = domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)

func (s *Service) SignIn(ctx context.Context, input SignInInput) (Session, error) {
	resp, err := s.passwords.SignIn(ctx, authpw.SignInRequest{
		Login:    strings.TrimSpace(input.Login),
		Password: input.Password,
	})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "NOT_AUTHENTICATED", "Invalid login or password", nil)
	}
	if resp.RequiresVerify {
		return Session{}, errEmailNotVerified
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) (store.User, error) {
	return s.passwords.VerifyEmail(ctx, token)
}

// ResendVerification issues a new token and re-sends the email. The
// returned token is only surfaced to the caller when SMTP is down, as a
// development bypass.
func (s *Service) ResendVerification(ctx context.Context, emailAddr string) (string, error) {
	token, err := s.passwords.ResendVerification(ctx, emailAddr)
	if err != nil || token == "" {
		return "", err
	}

	if s.SMTPConfigured() {
		user, err := s.store.GetUserByEmail(ctx, emailAddr)
		if err != nil {
			return "", err
		}
		verifyURL := s.cfg.AppBaseURL + "/verify?token=" + token
		go func() {
			if err := s.mailer.SendVerificationEmail(user.Email, user.Username, verifyURL); err != nil {
				s.log.Warn().Err(err).Str("email", user.Email).Msg("verification email failed")
			}
		}()
		return "", nil
	}
	return token, nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if session.UserID == "" {
		return errNotAuthenticated()
	}
	if err := s.passwords.ChangePassword(ctx, session.UserID, current, next); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName(),
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName(),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName(),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- shared error constructors ---

func errNotAuthenticated() *DomainError {
	return domainError(http.StatusUnauthorized, "NOT_AUTHENTICATED", "Authentication required", nil)
}

func errPermissionDenied(message string) *DomainError {
	if message == "" {
		message = "Permission denied"
	}
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func errNotFound(message string) *DomainError {
	if message == "" {
		message = "Not found"
	}
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errInvalidState(message string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_STATE", message, nil)
}
