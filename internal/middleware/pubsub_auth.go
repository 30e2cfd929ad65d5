package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/idtoken"
)

// PubSubAuthMiddleware validates the OIDC token Pub/Sub attaches to push
// requests. Authentication is skipped when isLocalDev is true.
func PubSubAuthMiddleware(isLocalDev bool, audience, expectedEmail string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isLocalDev {
				logger.Debug().Msg("Skipping Pub/Sub authentication for local environment")
				next.ServeHTTP(w, r)
				return
			}

			if audience == "" || expectedEmail == "" {
				logger.Error().Msg("Pub/Sub auth configured without an audience or expected email; denying request")
				http.Error(w, "Configuration error: audience or email not set", http.StatusInternalServerError)
				return
			}

			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				logger.Warn().Msg("Missing or malformed Authorization header in Pub/Sub push request")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			payload, err := idtoken.Validate(r.Context(), parts[1], audience)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to validate Pub/Sub token")
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			email, _ := payload.Claims["email"].(string)
			if email != expectedEmail {
				logger.Warn().
					Str("token_email", email).
					Str("expected_email", expectedEmail).
					Msg("Pub/Sub token email does not match expected service account")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
