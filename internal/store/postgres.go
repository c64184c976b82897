package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"songbook/api/internal/content"
)

// PostgresStore wraps a database handle with typed accessors. Methods that
// write a version record and patch content do both inside one transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, real_name, show_real_name, email, password_hash, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
	`, u.ID, u.Username, u.RealName, u.ShowRealName, u.Email, u.PasswordHash, u.IsEmailVerified, u.VerificationToken, u.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, username, real_name, show_real_name, email, password_hash, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.RealName, &u.ShowRealName, &u.Email, &u.PasswordHash,
		&u.IsEmailVerified, &u.VerificationToken, &u.VerificationExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

// VerifyUserEmail marks the matching user verified and clears the token.
// Returns sql.ErrNoRows when the token is unknown or already expired.
func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
		RETURNING `+userColumns+`
	`, token))
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// --- refresh sessions and token revocation (fallback when Redis is absent) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user ID for a live refresh session, or
// sql.ErrNoRows when the session is unknown, expired, or revoked.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- groups and memberships ---

func (s *PostgresStore) InsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, slug, name, is_system_group) VALUES ($1, $2, $3, $4)
	`, g.ID, g.Slug, g.Name, g.IsSystemGroup)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

const groupColumns = `id, slug, name, is_system_group, created_at`

func scanGroup(row *sql.Row) (Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Slug, &g.Name, &g.IsSystemGroup, &g.CreatedAt)
	return g, err
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id=$1`, id))
}

func (s *PostgresStore) GetGroupBySlug(ctx context.Context, slug string) (Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE slug=$1`, slug))
}

// GetCommunityGroup returns the system group, or nil when it has not been
// provisioned yet. The partial unique index makes this a point lookup.
func (s *PostgresStore) GetCommunityGroup(ctx context.Context) (*Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE is_system_group`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get community group: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Slug, &g.Name, &g.IsSystemGroup, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetMembership returns the user's role in the group, or "" when the user
// is not a member.
func (s *PostgresStore) GetMembership(ctx context.Context, groupID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM group_memberships WHERE group_id=$1 AND user_id=$2
	`, groupID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get membership: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, groupID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_memberships (group_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, groupID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_memberships WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.username, m.role
		FROM group_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id=$1
		ORDER BY u.username
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.UserID, &m.Username, &m.Role); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- songs ---

const songColumns = `id, title, artist, themes, copyright, lyrics, created_by, owner_type, owner_id, version_seq, created_at, updated_at`

func (s *PostgresStore) InsertSong(ctx context.Context, song Song) error {
	themes, err := marshalStrings(song.Themes)
	if err != nil {
		return fmt.Errorf("encode themes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO songs (id, title, artist, themes, copyright, lyrics, created_by, owner_type, owner_id)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
	`, song.ID, song.Title, song.Artist, themes, song.Copyright, song.Lyrics, song.CreatedBy, song.OwnerType, song.OwnerID)
	if err != nil {
		return fmt.Errorf("insert song: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSong(ctx context.Context, id string) (Song, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs WHERE id=$1`, id)
	var song Song
	var themes []byte
	err := row.Scan(&song.ID, &song.Title, &song.Artist, &themes, &song.Copyright, &song.Lyrics,
		&song.CreatedBy, &song.OwnerType, &song.OwnerID, &song.VersionSeq, &song.CreatedAt, &song.UpdatedAt)
	if err != nil {
		return Song{}, err
	}
	if err := json.Unmarshal(themes, &song.Themes); err != nil {
		return Song{}, fmt.Errorf("decode themes: %w", err)
	}
	return song, nil
}

func (s *PostgresStore) ListSongs(ctx context.Context) ([]Song, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songColumns+` FROM songs ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	var songs []Song
	for rows.Next() {
		var song Song
		var themes []byte
		if err := rows.Scan(&song.ID, &song.Title, &song.Artist, &themes, &song.Copyright, &song.Lyrics,
			&song.CreatedBy, &song.OwnerType, &song.OwnerID, &song.VersionSeq, &song.CreatedAt, &song.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		if err := json.Unmarshal(themes, &song.Themes); err != nil {
			return nil, fmt.Errorf("decode themes: %w", err)
		}
		songs = append(songs, song)
	}
	return songs, rows.Err()
}

// UpdateSong patches the editable fields. When draft is non-nil a version
// record of the pre-update state is appended in the same transaction.
func (s *PostgresStore) UpdateSong(ctx context.Context, songID string, fields content.SongSnapshot, draft *VersionDraft) error {
	themes, err := marshalStrings(fields.Themes)
	if err != nil {
		return fmt.Errorf("encode themes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update song tx: %w", err)
	}

	if draft != nil {
		if _, err := appendVersion(ctx, tx, content.TypeSong, songID, *draft); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE songs SET title=$2, artist=$3, themes=$4::jsonb, copyright=$5, lyrics=$6, updated_at=NOW()
		WHERE id=$1
	`, songID, fields.Title, fields.Artist, themes, fields.Copyright, fields.Lyrics); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update song: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update song tx: %w", err)
	}
	return nil
}

// RollbackSong appends a record of the current state, patches the song to
// the target snapshot, and appends a record of the restored state. All
// three steps share one transaction.
func (s *PostgresStore) RollbackSong(ctx context.Context, songID string, pre, post VersionDraft, target content.SongSnapshot) error {
	themes, err := marshalStrings(target.Themes)
	if err != nil {
		return fmt.Errorf("encode themes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback song tx: %w", err)
	}

	if _, err := appendVersion(ctx, tx, content.TypeSong, songID, pre); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE songs SET title=$2, artist=$3, themes=$4::jsonb, copyright=$5, lyrics=$6, updated_at=NOW()
		WHERE id=$1
	`, songID, target.Title, target.Artist, themes, target.Copyright, target.Lyrics); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply rollback: %w", err)
	}

	if _, err := appendVersion(ctx, tx, content.TypeSong, songID, post); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback song tx: %w", err)
	}
	return nil
}

// TransferSongToCommunity appends the bootstrap version record and flips
// ownership to the community group. Returns false when the song was not
// personally owned anymore by the time the update ran.
func (s *PostgresStore) TransferSongToCommunity(ctx context.Context, songID, groupID string, draft VersionDraft) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transfer song tx: %w", err)
	}

	if _, err := appendVersion(ctx, tx, content.TypeSong, songID, draft); err != nil {
		_ = tx.Rollback()
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE songs SET owner_type='group', owner_id=$2, updated_at=NOW()
		WHERE id=$1 AND owner_type='none'
	`, songID, groupID)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("transfer song: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("transfer song affected rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transfer song tx: %w", err)
	}
	return true, nil
}

// ReclaimSong returns the song to personal ownership. Returns false when
// the song was not owned by the given community group.
func (s *PostgresStore) ReclaimSong(ctx context.Context, songID, communityGroupID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE songs SET owner_type='none', owner_id=NULL, updated_at=NOW()
		WHERE id=$1 AND owner_type='group' AND owner_id=$2
	`, songID, communityGroupID)
	if err != nil {
		return false, fmt.Errorf("reclaim song: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim song affected rows: %w", err)
	}
	return affected > 0, nil
}

// --- arrangements ---

const arrangementColumns = `id, song_id, name, key, tempo, capo, time_signature, chord_content, tags, audio_key, created_by, owner_type, owner_id, version_seq, created_at, updated_at`

func (s *PostgresStore) InsertArrangement(ctx context.Context, a Arrangement) error {
	tags, err := marshalStrings(a.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO arrangements (id, song_id, name, key, tempo, capo, time_signature, chord_content, tags, created_by, owner_type, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)
	`, a.ID, a.SongID, a.Name, a.Key, a.Tempo, a.Capo, a.TimeSignature, a.ChordContent, tags, a.CreatedBy, a.OwnerType, a.OwnerID)
	if err != nil {
		return fmt.Errorf("insert arrangement: %w", err)
	}
	return nil
}

func scanArrangement(scan func(dest ...any) error) (Arrangement, error) {
	var a Arrangement
	var tags []byte
	err := scan(&a.ID, &a.SongID, &a.Name, &a.Key, &a.Tempo, &a.Capo, &a.TimeSignature, &a.ChordContent,
		&tags, &a.AudioKey, &a.CreatedBy, &a.OwnerType, &a.OwnerID, &a.VersionSeq, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Arrangement{}, err
	}
	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return Arrangement{}, fmt.Errorf("decode tags: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetArrangement(ctx context.Context, id string) (Arrangement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+arrangementColumns+` FROM arrangements WHERE id=$1`, id)
	return scanArrangement(row.Scan)
}

func (s *PostgresStore) ListArrangementsBySong(ctx context.Context, songID string) ([]Arrangement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+arrangementColumns+` FROM arrangements WHERE song_id=$1 ORDER BY name`, songID)
	if err != nil {
		return nil, fmt.Errorf("list arrangements: %w", err)
	}
	defer rows.Close()

	var arrangements []Arrangement
	for rows.Next() {
		a, err := scanArrangement(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan arrangement: %w", err)
		}
		arrangements = append(arrangements, a)
	}
	return arrangements, rows.Err()
}

func (s *PostgresStore) UpdateArrangement(ctx context.Context, arrangementID string, fields content.ArrangementSnapshot, draft *VersionDraft) error {
	tags, err := marshalStrings(fields.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update arrangement tx: %w", err)
	}

	if draft != nil {
		if _, err := appendVersion(ctx, tx, content.TypeArrangement, arrangementID, *draft); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE arrangements SET name=$2, key=$3, tempo=$4, capo=$5, time_signature=$6, chord_content=$7, tags=$8::jsonb, updated_at=NOW()
		WHERE id=$1
	`, arrangementID, fields.Name, fields.Key, fields.Tempo, fields.Capo, fields.TimeSignature, fields.ChordContent, tags); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update arrangement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update arrangement tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) RollbackArrangement(ctx context.Context, arrangementID string, pre, post VersionDraft, target content.ArrangementSnapshot) error {
	tags, err := marshalStrings(target.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback arrangement tx: %w", err)
	}

	if _, err := appendVersion(ctx, tx, content.TypeArrangement, arrangementID, pre); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE arrangements SET name=$2, key=$3, tempo=$4, capo=$5, time_signature=$6, chord_content=$7, tags=$8::jsonb, updated_at=NOW()
		WHERE id=$1
	`, arrangementID, target.Name, target.Key, target.Tempo, target.Capo, target.TimeSignature, target.ChordContent, tags); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply rollback: %w", err)
	}

	if _, err := appendVersion(ctx, tx, content.TypeArrangement, arrangementID, post); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback arrangement tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) TransferArrangementToCommunity(ctx context.Context, arrangementID, groupID string, draft VersionDraft) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transfer arrangement tx: %w", err)
	}

	if _, err := appendVersion(ctx, tx, content.TypeArrangement, arrangementID, draft); err != nil {
		_ = tx.Rollback()
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE arrangements SET owner_type='group', owner_id=$2, updated_at=NOW()
		WHERE id=$1 AND owner_type='none'
	`, arrangementID, groupID)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("transfer arrangement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("transfer arrangement affected rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transfer arrangement tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ReclaimArrangement(ctx context.Context, arrangementID, communityGroupID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE arrangements SET owner_type='none', owner_id=NULL, updated_at=NOW()
		WHERE id=$1 AND owner_type='group' AND owner_id=$2
	`, arrangementID, communityGroupID)
	if err != nil {
		return false, fmt.Errorf("reclaim arrangement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim arrangement affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetArrangementAudio(ctx context.Context, arrangementID, audioKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE arrangements SET audio_key=$2, updated_at=NOW() WHERE id=$1`, arrangementID, audioKey)
	if err != nil {
		return fmt.Errorf("set arrangement audio: %w", err)
	}
	return nil
}

// --- collaborators and co-authors ---

func (s *PostgresStore) AddCollaborator(ctx context.Context, arrangementID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arrangement_collaborators (arrangement_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, arrangementID, userID)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, arrangementID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM arrangement_collaborators WHERE arrangement_id=$1 AND user_id=$2
	`, arrangementID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsCollaborator(ctx context.Context, arrangementID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM arrangement_collaborators WHERE arrangement_id=$1 AND user_id=$2)
	`, arrangementID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check collaborator: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, arrangementID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.arrangement_id, c.user_id, c.created_at, u.username
		FROM arrangement_collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.arrangement_id=$1
		ORDER BY u.username
	`, arrangementID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var collaborators []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.ArrangementID, &c.UserID, &c.CreatedAt, &c.Username); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		collaborators = append(collaborators, c)
	}
	return collaborators, rows.Err()
}

func (s *PostgresStore) AddCoauthor(ctx context.Context, arrangementID, userID string, isPrimary bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arrangement_coauthors (arrangement_id, user_id, is_primary) VALUES ($1, $2, $3)
		ON CONFLICT (arrangement_id, user_id) DO UPDATE SET is_primary=EXCLUDED.is_primary
	`, arrangementID, userID, isPrimary)
	if err != nil {
		return fmt.Errorf("add coauthor: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCoauthor(ctx context.Context, arrangementID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM arrangement_coauthors WHERE arrangement_id=$1 AND user_id=$2
	`, arrangementID, userID)
	if err != nil {
		return fmt.Errorf("remove coauthor: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsCoauthor(ctx context.Context, arrangementID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM arrangement_coauthors WHERE arrangement_id=$1 AND user_id=$2)
	`, arrangementID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check coauthor: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListCoauthors(ctx context.Context, arrangementID string) ([]Coauthor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.arrangement_id, c.user_id, c.is_primary, c.created_at, u.username
		FROM arrangement_coauthors c
		JOIN users u ON u.id = c.user_id
		WHERE c.arrangement_id=$1
		ORDER BY c.is_primary DESC, u.username
	`, arrangementID)
	if err != nil {
		return nil, fmt.Errorf("list coauthors: %w", err)
	}
	defer rows.Close()

	var coauthors []Coauthor
	for rows.Next() {
		var c Coauthor
		if err := rows.Scan(&c.ArrangementID, &c.UserID, &c.IsPrimary, &c.CreatedAt, &c.Username); err != nil {
			return nil, fmt.Errorf("scan coauthor: %w", err)
		}
		coauthors = append(coauthors, c)
	}
	return coauthors, rows.Err()
}

// --- version records ---

const versionColumns = `v.id, v.content_type, v.content_id, v.version, v.snapshot, v.changed_by, v.changed_at, COALESCE(v.change_description, '')`

func (s *PostgresStore) ListVersions(ctx context.Context, contentType content.Type, contentID string) ([]VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`,
			CASE WHEN u.show_real_name AND u.real_name <> '' THEN u.real_name ELSE u.username END
		FROM content_versions v
		JOIN users u ON u.id = v.changed_by
		WHERE v.content_type=$1 AND v.content_id=$2
		ORDER BY v.version DESC
	`, contentType, contentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []VersionRecord
	for rows.Next() {
		var r VersionRecord
		if err := rows.Scan(&r.ID, &r.ContentType, &r.ContentID, &r.Version, &r.Snapshot,
			&r.ChangedBy, &r.ChangedAt, &r.ChangeDescription, &r.ChangedByName); err != nil {
			return nil, fmt.Errorf("scan version record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, contentType content.Type, contentID string, version int) (VersionRecord, error) {
	var r VersionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`,
			CASE WHEN u.show_real_name AND u.real_name <> '' THEN u.real_name ELSE u.username END
		FROM content_versions v
		JOIN users u ON u.id = v.changed_by
		WHERE v.content_type=$1 AND v.content_id=$2 AND v.version=$3
	`, contentType, contentID, version).Scan(&r.ID, &r.ContentType, &r.ContentID, &r.Version, &r.Snapshot,
		&r.ChangedBy, &r.ChangedAt, &r.ChangeDescription, &r.ChangedByName)
	if err != nil {
		return VersionRecord{}, err
	}
	return r, nil
}

// LatestVersion returns the newest record, or nil when no history exists.
func (s *PostgresStore) LatestVersion(ctx context.Context, contentType content.Type, contentID string) (*VersionRecord, error) {
	var r VersionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM content_versions v
		WHERE v.content_type=$1 AND v.content_id=$2
		ORDER BY v.version DESC
		LIMIT 1
	`, contentType, contentID).Scan(&r.ID, &r.ContentType, &r.ContentID, &r.Version, &r.Snapshot,
		&r.ChangedBy, &r.ChangedAt, &r.ChangeDescription)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &r, nil
}

// --- helpers ---

// appendVersion assigns the next version number from the content row's
// counter and inserts the record. The counter UPDATE takes the content
// row lock, so concurrent writers for one item are serialized and version
// numbers stay contiguous.
func appendVersion(ctx context.Context, tx *sql.Tx, contentType content.Type, contentID string, draft VersionDraft) (int, error) {
	table, err := contentTableFor(contentType)
	if err != nil {
		return 0, err
	}

	var version int
	err = tx.QueryRowContext(ctx,
		`UPDATE `+table+` SET version_seq = version_seq + 1 WHERE id=$1 RETURNING version_seq`,
		contentID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump version counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO content_versions (content_type, content_id, version, snapshot, changed_by, change_description)
		VALUES ($1, $2, $3, $4::jsonb, $5, NULLIF($6, ''))
	`, contentType, contentID, version, draft.Snapshot, draft.ChangedBy, draft.Description); err != nil {
		return 0, fmt.Errorf("insert version record: %w", err)
	}
	return version, nil
}

func contentTableFor(contentType content.Type) (string, error) {
	switch contentType {
	case content.TypeSong:
		return "songs", nil
	case content.TypeArrangement:
		return "arrangements", nil
	}
	return "", fmt.Errorf("unknown content type %q", contentType)
}

func marshalStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}
