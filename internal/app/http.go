package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"songbook/api/internal/auth"
	"songbook/api/internal/content"
	"songbook/api/internal/export"
	"songbook/api/internal/search"
	"songbook/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "auth":
			s.handleAuth(w, r, parts[2:])
			return
		case "session":
			s.handleSession(w, r, parts[2:])
			return
		case "songs":
			s.handleSongs(w, r, parts[2:])
			return
		case "arrangements":
			s.handleArrangements(w, r, parts[2:])
			return
		case "groups":
			s.handleGroups(w, r, parts[2:])
			return
		case "search":
			if r.Method == http.MethodGet && len(parts) == 2 {
				s.handleSearch(w, r)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// --- auth and session routes ---

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodPost || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "signup":
		var body SignUpInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SignUp(r.Context(), body)
		if err != nil {
			if err.Error() == "email already registered" || err.Error() == "username already taken" {
				writeError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
				return
			}
			writeMappedError(w, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil))
			return
		}
		response := map[string]any{
			"userId":  result.UserID,
			"message": "Please check your email to verify your account",
		}
		// Dev bypass: surface the token when email delivery is off.
		if !s.service.SMTPConfigured() {
			response["devVerificationToken"] = result.VerificationToken
		}
		writeJSON(w, http.StatusCreated, response)

	case "signin":
		var body SignInInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeSession(w, session)

	case "verify-email":
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.VerifyEmail(r.Context(), body.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VERIFICATION_FAILED", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Email verified successfully",
			"userId":   user.ID,
			"username": user.Username,
		})

	case "resend-verification":
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		token, err := s.service.ResendVerification(r.Context(), body.Email)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		response := map[string]any{
			"message": "If the account exists and is unverified, a new email has been sent",
		}
		if token != "" {
			response["devVerificationToken"] = token
		}
		writeJSON(w, http.StatusOK, response)

	case "refresh":
		s.handleRefresh(w, r)

	case "logout":
		s.handleLogout(w, r)

	case "change-password":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed"})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
		})
		return
	}

	if len(rest) == 1 && r.Method == http.MethodPost {
		switch rest[0] {
		case "refresh":
			s.handleRefresh(w, r)
			return
		case "logout":
			s.handleLogout(w, r)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Refresh token invalid", nil)
		return
	}
	writeSession(w, session)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- song routes ---

func (s *HTTPServer) handleSongs(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			songs, err := s.service.ListSongs(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(songs))
			for _, song := range songs {
				items = append(items, songJSON(song))
			}
			writeJSON(w, http.StatusOK, map[string]any{"songs": items})
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body content.SongSnapshot
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			song, err := s.service.CreateSong(r.Context(), session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, songJSON(song))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case 1:
		songID := rest[0]
		switch r.Method {
		case http.MethodGet:
			song, err := s.service.GetSong(r.Context(), songID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			response := songJSON(song)
			response["owner"] = s.service.ResolveOwner(r.Context(), song.OwnerType, song.OwnerID, song.CreatedBy)
			if token := bearerToken(r); token != "" {
				if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
					if canEdit, err := s.service.CanEditSong(r.Context(), session, songID); err == nil {
						response["canEdit"] = canEdit
					}
				}
			}
			writeJSON(w, http.StatusOK, response)
		case http.MethodPut, http.MethodPatch:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				content.SongSnapshot
				Description string `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			song, err := s.service.UpdateSong(r.Context(), session, songID, body.SongSnapshot, body.Description)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, songJSON(song))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case 2:
		songID := rest[0]
		switch {
		case rest[1] == "history" && r.Method == http.MethodGet:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			records, err := s.service.SongHistory(r.Context(), session, songID, limitParam(r))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"versions": versionListJSON(records)})
		case rest[1] == "rollback" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			version, ok := decodeVersionBody(w, r)
			if !ok {
				return
			}
			song, err := s.service.RollbackSong(r.Context(), session, songID, version)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, songJSON(song))
		case rest[1] == "transfer" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			song, err := s.service.TransferSongToCommunity(r.Context(), session, songID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, songJSON(song))
		case rest[1] == "reclaim" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			song, err := s.service.ReclaimSong(r.Context(), session, songID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, songJSON(song))
		case rest[1] == "export" && r.Method == http.MethodGet:
			format := export.Format(r.URL.Query().Get("format"))
			if format == "" {
				format = export.FormatPDF
			}
			result, err := s.service.ExportSongSheet(r.Context(), songID, format)
			if err != nil {
				if errors.Is(err, export.ErrPDFDependencyMissing) {
					writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is not available", nil)
					return
				}
				writeMappedError(w, err)
				return
			}
			writeDownload(w, result)
		case rest[1] == "arrangements" && r.Method == http.MethodGet:
			arrangements, err := s.service.ListArrangements(r.Context(), songID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(arrangements))
			for _, a := range arrangements {
				items = append(items, arrangementJSON(a))
			}
			writeJSON(w, http.StatusOK, map[string]any{"arrangements": items})
		case rest[1] == "arrangements" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body content.ArrangementSnapshot
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			arrangement, err := s.service.CreateArrangement(r.Context(), session, songID, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, arrangementJSON(arrangement))
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}

	case 3:
		if rest[1] == "history" && r.Method == http.MethodGet {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			version, err := strconv.Atoi(rest[2])
			if err != nil || version < 1 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
				return
			}
			record, err := s.service.SongVersion(r.Context(), session, rest[0], version)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, versionJSON(record))
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// --- arrangement routes ---

func (s *HTTPServer) handleArrangements(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			songID := strings.TrimSpace(r.URL.Query().Get("songId"))
			if songID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "songId is required", nil)
				return
			}
			arrangements, err := s.service.ListArrangements(r.Context(), songID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(arrangements))
			for _, a := range arrangements {
				items = append(items, arrangementJSON(a))
			}
			writeJSON(w, http.StatusOK, map[string]any{"arrangements": items})
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				content.ArrangementSnapshot
				SongID string `json:"songId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.SongID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "songId is required", nil)
				return
			}
			arrangement, err := s.service.CreateArrangement(r.Context(), session, body.SongID, body.ArrangementSnapshot)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, arrangementJSON(arrangement))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case 1:
		arrangementID := rest[0]
		switch r.Method {
		case http.MethodGet:
			arrangement, err := s.service.GetArrangement(r.Context(), arrangementID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			response := arrangementJSON(arrangement)
			response["owner"] = s.service.ResolveOwner(r.Context(), arrangement.OwnerType, arrangement.OwnerID, arrangement.CreatedBy)
			if token := bearerToken(r); token != "" {
				if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
					if canEdit, err := s.service.CanEditArrangement(r.Context(), session, arrangementID); err == nil {
						response["canEdit"] = canEdit
					}
				}
			}
			writeJSON(w, http.StatusOK, response)
		case http.MethodPut, http.MethodPatch:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				content.ArrangementSnapshot
				Description string `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			arrangement, err := s.service.UpdateArrangement(r.Context(), session, arrangementID, body.ArrangementSnapshot, body.Description)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, arrangementJSON(arrangement))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case 2:
		arrangementID := rest[0]
		switch {
		case rest[1] == "history" && r.Method == http.MethodGet:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			records, err := s.service.ArrangementHistory(r.Context(), session, arrangementID, limitParam(r))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"versions": versionListJSON(records)})
		case rest[1] == "rollback" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			version, ok := decodeVersionBody(w, r)
			if !ok {
				return
			}
			arrangement, err := s.service.RollbackArrangement(r.Context(), session, arrangementID, version)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, arrangementJSON(arrangement))
		case rest[1] == "transfer" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			arrangement, err := s.service.TransferArrangementToCommunity(r.Context(), session, arrangementID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, arrangementJSON(arrangement))
		case rest[1] == "reclaim" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			arrangement, err := s.service.ReclaimArrangement(r.Context(), session, arrangementID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, arrangementJSON(arrangement))
		case rest[1] == "collaborators":
			s.handlePeople(w, r, arrangementID, "collaborator")
		case rest[1] == "coauthors":
			s.handlePeople(w, r, arrangementID, "coauthor")
		case rest[1] == "audio" && r.Method == http.MethodPost:
			s.handleAudioUpload(w, r, arrangementID)
		case rest[1] == "audio" && r.Method == http.MethodGet:
			s.handleAudioDownload(w, r, arrangementID)
		case rest[1] == "export" && r.Method == http.MethodGet:
			s.handleExport(w, r, arrangementID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}

	case 3:
		arrangementID := rest[0]
		switch {
		case rest[1] == "history" && r.Method == http.MethodGet:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			version, err := strconv.Atoi(rest[2])
			if err != nil || version < 1 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
				return
			}
			record, err := s.service.ArrangementVersion(r.Context(), session, arrangementID, version)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, versionJSON(record))
		case rest[1] == "collaborators" && r.Method == http.MethodPut:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.AddCollaboratorByID(r.Context(), session, arrangementID, rest[2]); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case rest[1] == "collaborators" && r.Method == http.MethodDelete:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.RemoveCollaborator(r.Context(), session, arrangementID, rest[2]); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case rest[1] == "coauthors" && r.Method == http.MethodPut:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				IsPrimary bool `json:"isPrimary"`
			}
			_ = decodeBody(r, &body)
			if err := s.service.AddCoauthorByID(r.Context(), session, arrangementID, rest[2], body.IsPrimary); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case rest[1] == "coauthors" && r.Method == http.MethodDelete:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.RemoveCoauthor(r.Context(), session, arrangementID, rest[2]); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handlePeople covers the list/add endpoints shared by collaborators and
// co-authors.
func (s *HTTPServer) handlePeople(w http.ResponseWriter, r *http.Request, arrangementID, kind string) {
	switch r.Method {
	case http.MethodGet:
		if kind == "collaborator" {
			people, err := s.service.ListCollaborators(r.Context(), arrangementID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(people))
			for _, p := range people {
				items = append(items, map[string]any{"userId": p.UserID, "username": p.Username})
			}
			writeJSON(w, http.StatusOK, map[string]any{"collaborators": items})
			return
		}
		people, err := s.service.ListCoauthors(r.Context(), arrangementID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(people))
		for _, p := range people {
			items = append(items, map[string]any{"userId": p.UserID, "username": p.Username, "isPrimary": p.IsPrimary})
		}
		writeJSON(w, http.StatusOK, map[string]any{"coauthors": items})

	case http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Username  string `json:"username"`
			IsPrimary bool   `json:"isPrimary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var err error
		if kind == "collaborator" {
			err = s.service.AddCollaborator(r.Context(), session, arrangementID, body.Username)
		} else {
			err = s.service.AddCoauthor(r.Context(), session, arrangementID, body.Username, body.IsPrimary)
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAudioUpload(w http.ResponseWriter, r *http.Request, arrangementID string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with an audio file", nil)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "audio file is required", nil)
		return
	}
	defer file.Close()

	key, err := s.service.UploadArrangementAudio(r.Context(), session, arrangementID, header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"audioKey": key})
}

func (s *HTTPServer) handleAudioDownload(w http.ResponseWriter, r *http.Request, arrangementID string) {
	body, contentType, size, err := s.service.ArrangementAudio(r.Context(), arrangementID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, arrangementID string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}

	result, err := s.service.ExportArrangementSheet(r.Context(), arrangementID, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is not available", nil)
			return
		}
		writeMappedError(w, err)
		return
	}
	writeDownload(w, result)
}

func writeDownload(w http.ResponseWriter, result *export.Result) {
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// --- group routes ---

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			groups, err := s.service.ListGroups(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(groups))
			for _, g := range groups {
				items = append(items, groupJSON(g))
			}
			writeJSON(w, http.StatusOK, map[string]any{"groups": items})
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				Name string `json:"name"`
				Slug string `json:"slug"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			group, err := s.service.CreateGroup(r.Context(), session, body.Name, body.Slug)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, groupJSON(group))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		group, err := s.service.GetGroup(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groupJSON(group))

	case 2:
		groupID := rest[0]
		switch {
		case rest[1] == "members" && r.Method == http.MethodGet:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			members, err := s.service.ListGroupMembers(r.Context(), session, groupID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(members))
			for _, m := range members {
				items = append(items, map[string]any{"userId": m.UserID, "username": m.Username, "role": m.Role})
			}
			writeJSON(w, http.StatusOK, map[string]any{"members": items})
		case rest[1] == "members" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				Username string `json:"username"`
				Role     string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.AddGroupMember(r.Context(), session, groupID, body.Username, body.Role); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
		case rest[1] == "leave" && r.Method == http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.LeaveGroup(r.Context(), session, groupID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}

	case 3:
		if rest[1] == "members" && r.Method == http.MethodPut {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.SetGroupMemberRole(r.Context(), session, rest[0], rest[2], body.Role); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		if rest[1] == "members" && r.Method == http.MethodDelete {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.RemoveGroupMember(r.Context(), session, rest[0], rest[2]); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// --- search route ---

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := search.Query{
		Text: strings.TrimSpace(r.URL.Query().Get("q")),
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		if kind, ok := content.ParseType(raw); ok {
			query.FilterType = search.ResultType(kind)
		} else {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be song or arrangement", nil)
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			query.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			query.Offset = n
		}
	}

	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), query))
}

// --- response projections ---

func songJSON(song store.Song) map[string]any {
	return map[string]any{
		"id":        song.ID,
		"title":     song.Title,
		"artist":    song.Artist,
		"themes":    nonNilStrings(song.Themes),
		"copyright": song.Copyright,
		"lyrics":    song.Lyrics,
		"createdBy": song.CreatedBy,
		"owner":     ownerJSON(song.OwnerType, song.OwnerID),
		"createdAt": song.CreatedAt,
		"updatedAt": song.UpdatedAt,
	}
}

func arrangementJSON(a store.Arrangement) map[string]any {
	response := map[string]any{
		"id":            a.ID,
		"songId":        a.SongID,
		"name":          a.Name,
		"key":           a.Key,
		"tempo":         a.Tempo,
		"capo":          a.Capo,
		"timeSignature": a.TimeSignature,
		"chordContent":  a.ChordContent,
		"tags":          nonNilStrings(a.Tags),
		"createdBy":     a.CreatedBy,
		"owner":         ownerJSON(a.OwnerType, a.OwnerID),
		"hasAudio":      a.AudioKey != "",
		"createdAt":     a.CreatedAt,
		"updatedAt":     a.UpdatedAt,
	}
	return response
}

func groupJSON(g store.Group) map[string]any {
	return map[string]any{
		"id":            g.ID,
		"slug":          g.Slug,
		"name":          g.Name,
		"isSystemGroup": g.IsSystemGroup,
	}
}

func ownerJSON(ownerType string, ownerID *string) map[string]any {
	owner := map[string]any{"type": ownerType}
	if ownerID != nil {
		owner["groupId"] = *ownerID
	}
	return owner
}

func versionJSON(record store.VersionRecord) map[string]any {
	return map[string]any{
		"version":           record.Version,
		"snapshot":          json.RawMessage(record.Snapshot),
		"changedBy":         record.ChangedBy,
		"changedByName":     record.ChangedByName,
		"changedAt":         record.ChangedAt,
		"changeDescription": record.ChangeDescription,
	}
}

func versionListJSON(records []store.VersionRecord) []map[string]any {
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, versionJSON(record))
	}
	return items
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// limitParam reads the optional history ?limit. Absent or malformed
// means no cap.
func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func decodeVersionBody(w http.ResponseWriter, r *http.Request) (int, bool) {
	var body struct {
		Version int `json:"version"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return 0, false
	}
	if body.Version < 1 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
		return 0, false
	}
	return body.Version, true
}

// --- plumbing ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "NOT_AUTHENTICATED", "Authentication required", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeSession(w http.ResponseWriter, session Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Authentication required", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Authentication required", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}
