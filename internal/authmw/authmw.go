// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Rejection reasons passed to Options.OnReject.
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
)

// Options tunes BearerToken. The zero value is usable.
type Options struct {
	// Realm is advertised in the WWW-Authenticate challenge.
	Realm string

	// OnReject, when set, is called for every refused request.
	OnReject func(r *http.Request, reason string)
}

// BearerToken returns middleware that requires "Authorization: Bearer
// <token>". Comparison is constant time.
func BearerToken(token string, opts Options) func(http.Handler) http.Handler {
	expected := []byte(token)
	challenge := `Bearer realm="` + opts.Realm + `"`
	if opts.Realm == "" {
		challenge = "Bearer"
	}

	reject := func(w http.ResponseWriter, r *http.Request, reason, body string) {
		if opts.OnReject != nil {
			opts.OnReject(r, reason)
		}
		w.Header().Set("WWW-Authenticate", challenge)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(body))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				reject(w, r, ReasonMissing, `{"error":"missing or malformed authorization header"}`)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				reject(w, r, ReasonInvalid, `{"error":"invalid token"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
