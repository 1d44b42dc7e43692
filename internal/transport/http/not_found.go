package http

import "net/http"

// NotFoundHandler answers unknown routes with the JSON error envelope used by
// every other handler.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, errorResponse{
			Error: "no route for " + r.Method + " " + r.URL.Path,
			Code:  codeNotFound,
		})
	})
}
