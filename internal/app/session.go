package app

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"dialectic/api/internal/auth"
	"dialectic/api/internal/rbac"
)

type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

func (s Session) Can(action rbac.Action) bool {
	return rbac.Can(s.Role, action)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     rbac.Normalize(claims.Role),
	}, true
}

// bearerToken reads the Authorization header. WebSocket clients cannot set
// headers, so the access_token query parameter is accepted as well.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("request forbidden",
		zap.String("user_id", session.UserID),
		zap.String("role", string(session.Role)),
		zap.String("action", string(action)),
		zap.String("path", r.URL.Path))
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}
