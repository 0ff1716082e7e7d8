package scanapi

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/wisbric/seoscan/pkg/planenforce"
)

// resolveIdentity implements spec.md §4.D identity resolution at the HTTP
// boundary: a caller-supplied X-User-ID header names a verified user
// (looked up for their plan); its absence, or an id this deployment does
// not recognize, falls back to an anonymous GUEST identity keyed by the
// client IP (there is no session/auth layer in this system — spec.md §1).
func (h *Handler) resolveIdentity(r *http.Request) (planenforce.ResolvedIdentity, error) {
	clientIP := clientIP(r)

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return planenforce.ResolveIdentity(nil, clientIP, time.Now()), nil
	}

	user, err := h.users.LookupUser(r.Context(), userID)
	if errors.Is(err, ErrUserNotFound) {
		h.logger.Warn("unknown X-User-ID, falling back to anonymous identity", "userId", userID)
		return planenforce.ResolveIdentity(nil, clientIP, time.Now()), nil
	}
	if err != nil {
		return planenforce.ResolvedIdentity{}, err
	}
	return planenforce.ResolveIdentity(user, clientIP, time.Now()), nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
