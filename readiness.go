package reqguard

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// ReadinessHandler serves reg's [ReadinessStatus] as JSON: 200 while ready,
// 503 once any client is critically unhealthy. HEAD gets the status code
// only; other methods are refused.
func ReadinessHandler(reg *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		status := reg.CheckReadiness()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}

		w.WriteHeader(code)

		if r.Method == http.MethodHead {
			return
		}

		//nolint:errcheck // the status code is already sent
		_ = json.NewEncoder(w).Encode(status)
	})
}
