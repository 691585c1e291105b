package api

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/ratelimit"
	"github.com/mkoziy/rdr/metricscache/internal/service"
)

// MetricsService is the part of the orchestrator the HTTP layer calls.
type MetricsService interface {
	GetFilteredResults(ctx context.Context, p service.FilterParams) ([]metricscache.MetricsRow, error)
	GetPublicMetrics(ctx context.Context, p service.PublicParams) ([]metricscache.MetricsRow, error)
	GetSitesCount(ctx context.Context) (int64, error)
	GetParticipantOrigins(ctx context.Context) ([]string, error)
}

type Controller struct {
	Service MetricsService
	// Live limits requests answered by live SQL, per client.
	Live *ratelimit.Keyed
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
	// Ping reports database health for /healthz. Optional.
	Ping   func(ctx context.Context) error
	Logger *zap.Logger
}

// NewController returns a new controller.
func NewController(svc MetricsService, live *ratelimit.Keyed, ping func(context.Context) error, logger *zap.Logger) *Controller {
	return &Controller{
		Service: svc,
		Live:    live,
		Ping:    ping,
		Logger:  logger,
	}
}

// NewRouter returns a new router with all the routes defined in this package.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(c.requestID, c.instrument)

	r.HandleFunc("/healthz", c.HandleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/rdr/v1").Subrouter()
	v1.HandleFunc("/ParticipantCountsOverTime", c.ParticipantCountsOverTime).Methods("GET")
	v1.HandleFunc("/PublicMetrics", c.PublicMetrics).Methods("GET")
	v1.HandleFunc("/MetricsSites", c.MetricsSites).Methods("GET")
	v1.HandleFunc("/MetricsParticipantOrigins", c.MetricsParticipantOrigins).Methods("GET")

	return r
}
