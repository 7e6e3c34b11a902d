package admin

import (
	"net/http"
	"strconv"
	"time"
)

const defaultUsageWindow = 7 * 24 * time.Hour

// parseRange reads "from"/"to" unix-second query params, defaulting to the
// trailing week ending now.
func parseRange(r *http.Request) (from, to time.Time) {
	to = time.Now()
	from = to.Add(-defaultUsageWindow)
	if v := r.URL.Query().Get("from"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			from = time.Unix(sec, 0)
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = time.Unix(sec, 0)
		}
	}
	return from, to
}

func parseBucket(r *http.Request) time.Duration {
	switch r.URL.Query().Get("bucket") {
	case "day":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func (s *Server) usageTimeSeries(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	bucket := parseBucket(r)
	keyID := r.URL.Query().Get("keyId")

	points, err := s.usage.TimeSeries(r.Context(), keyID, from, to, bucket)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate usage")
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) usageByModel(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	totals, err := s.usage.ByModel(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate usage by model")
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) usageByKey(w http.ResponseWriter, r *http.Request) {
	from, to := parseRange(r)
	totals, err := s.usage.ByKey(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate usage by key")
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
