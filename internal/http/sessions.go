package httpapp

import (
	"net/http"
	"time"

	"github.com/alexedwards/scs/pgxstore"
	"github.com/alexedwards/scs/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sessionCookieName  = "flightdeck_session"
	sessionIdleTimeout = 12 * time.Hour
	sessionLifetime    = 7 * 24 * time.Hour
)

// NewSessionManager keeps console sessions in postgres when pool is set and
// in process memory otherwise.
func NewSessionManager(pool *pgxpool.Pool, secureCookie bool) *scs.SessionManager {
	sessions := scs.New()
	if pool != nil {
		sessions.Store = pgxstore.New(pool)
	}
	sessions.Lifetime = sessionLifetime
	sessions.IdleTimeout = sessionIdleTimeout
	sessions.Cookie.Name = sessionCookieName
	sessions.Cookie.HttpOnly = true
	sessions.Cookie.SameSite = http.SameSiteLaxMode
	sessions.Cookie.Secure = secureCookie
	return sessions
}
