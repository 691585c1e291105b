package api

import (
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/metrics"
	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/ratelimit"
	"github.com/mkoziy/rdr/metricscache/internal/service"
)

// HandleHealth answers liveness checks.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if c.Ping != nil {
		if err := c.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ParticipantCountsOverTime serves cached and live metrics.
func (c *Controller) ParticipantCountsOverTime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := service.FilterParams{
		Stratification:    q.Get("stratification"),
		StartDate:         q.Get("startDate"),
		EndDate:           q.Get("endDate"),
		Awardees:          q["awardee"],
		EnrollmentStatus:  q["enrollmentStatus"],
		ParticipantOrigin: q["participantOrigin"],
		History:           strings.EqualFold(q.Get("history"), "true"),
		Version:           q.Get("version"),
		FilterBy:          q.Get("filterBy"),
	}

	if !p.History && c.Live != nil {
		ok, wait := c.Live.Allow(clientKey(r, c.TrustedProxies))
		if !ok {
			metrics.RateLimited.WithLabelValues(ratelimit.PolicyLiveQueries).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many live metrics requests")
			return
		}
	}

	rows, err := c.Service.GetFilteredResults(r.Context(), p)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// PublicMetrics serves the public export cache.
func (c *Controller) PublicMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := c.Service.GetPublicMetrics(r.Context(), service.PublicParams{
		Stratification:    q.Get("stratification"),
		StartDate:         q.Get("startDate"),
		EndDate:           q.Get("endDate"),
		EnrollmentStatus:  q["enrollmentStatus"],
		ParticipantOrigin: q["participantOrigin"],
	})
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (c *Controller) MetricsSites(w http.ResponseWriter, r *http.Request) {
	n, err := c.Service.GetSitesCount(r.Context())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sites_count": n})
}

func (c *Controller) MetricsParticipantOrigins(w http.ResponseWriter, r *http.Request) {
	origins, err := c.Service.GetParticipantOrigins(r.Context())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"participant_origins": origins})
}

// fail maps err to a status code. Internal errors are logged and not
// echoed to the client.
func (c *Controller) fail(w http.ResponseWriter, r *http.Request, err error) {
	var bad *metricscache.BadRequestError
	if errors.As(err, &bad) {
		writeError(w, http.StatusBadRequest, bad.Msg)
		return
	}
	c.Logger.Error("metrics request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// clientKey identifies the caller for rate limiting. X-Forwarded-For is
// only read when the direct peer is a trusted proxy; the key is then the
// right-most hop that is not itself trusted.
func clientKey(r *http.Request, trusted []netip.Prefix) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil || !isTrusted(addr, trusted) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return peer
		}
		if !isTrusted(hop, trusted) {
			return hop.Unmap().String()
		}
	}
	return peer
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
