package i18n

import (
	"net/http"
)

// Middleware stores the locale negotiated from Accept-Language in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locale := ParseAcceptLanguage(r.Header.Get("Accept-Language"))
		next.ServeHTTP(w, r.WithContext(WithLocale(r.Context(), locale)))
	})
}
