package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldledger/microledger/identity"
	"github.com/fieldledger/microledger/logger"
)

// Authenticate requires a valid bearer token and stores the caller's actor
// in the request context. The request logger gains the staff id.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", errors.New("missing bearer token"))
			return
		}
		actor, err := h.Identity.Actor(raw)
		if err != nil {
			if !errors.Is(err, identity.ErrExpiredToken) {
				err = identity.ErrInvalidToken
			}
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}

		ctx := withActor(r.Context(), actor)
		log := logger.FromContext(ctx).With(zap.String("staff_id", string(actor.StaffID)), zap.String("role", string(actor.Role)))
		ctx = logger.WithContext(ctx, log)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
