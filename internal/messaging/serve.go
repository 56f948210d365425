package messaging

import "net/http"

// BoundedHandler wraps next so that at most limit requests are processed
// concurrently; additional requests block until a slot frees up. The node
// muxes built by internal/node are served without this wrapper, so
// inbound requests to a node are not limited.
func BoundedHandler(limit int, next http.Handler) http.Handler {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sem <- struct{}{}
		defer func() { <-sem }()
		next.ServeHTTP(w, r)
	})
}
