package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kong/pg-resilient-dal/pkg/ratelimit"
	"github.com/kong/pg-resilient-dal/pkg/router"
)

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/metrics", ac.getMetrics).Methods("GET")
	r.HandleFunc("/poolstats", ac.getConnectionPoolStats).Methods("GET")
	r.HandleFunc("/breakers", ac.getBreakers).Methods("GET")
	r.HandleFunc("/replication", ac.getReplicationStatus).Methods("GET")
	r.Handle("/prometheus", promhttp.HandlerFor(ac.Layer.Prometheus, promhttp.HandlerOpts{})).Methods("GET")

	admin := r.NewRoute().Subrouter()
	if strict, ok := ac.Layer.Limiters.Get(ratelimit.Strict); ok {
		admin.Use(router.Admission(strict, ratelimit.IPOnly))
	}
	admin.HandleFunc("/metrics/reset", ac.resetMetrics).Methods("POST")
	admin.HandleFunc("/log-level", ac.putLogLevel).Methods("PUT")
	return r
}

func (ac *appContext) getHealth(w http.ResponseWriter, _ *http.Request) {
	h := ac.Layer.Router.Health()
	status := http.StatusOK
	if !h.Write {
		status = http.StatusServiceUnavailable
	}
	payload := envelope{
		"write":                 h.Write,
		"read":                  h.Read,
		"readWriteSplitEnabled": h.ReadWriteSplitEnabled,
		"checkedAt":             h.CheckedAt,
	}
	if err := ac.writeJSON(w, status, payload, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getMetrics(w http.ResponseWriter, _ *http.Request) {
	m := ac.Layer.Router.Metrics()
	payload := envelope{
		"summary":         m.Summary,
		"endpoints":       m.Endpoints,
		"recommendations": m.Recommendations,
	}
	if err := ac.writeJSON(w, http.StatusOK, payload, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) resetMetrics(w http.ResponseWriter, _ *http.Request) {
	ac.Layer.Router.ResetMetrics()
	if err := ac.writeJSON(w, http.StatusOK, envelope{"status": "reset"}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getConnectionPoolStats(w http.ResponseWriter, _ *http.Request) {
	payload := envelope{"connectionPoolStats": ac.Layer.PoolStats()}
	if err := ac.writeJSON(w, http.StatusOK, payload, nil); err != nil {
		ac.logError(err)
	}
	ac.logJson(payload)
}

func (ac *appContext) getBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := ac.Layer.Breakers.Snapshots(r.Context())
	degraded := make(map[string]bool, len(snapshots))
	for _, b := range ac.Layer.Breakers.Breakers() {
		degraded[b.Name()] = b.Degraded()
	}
	payload := envelope{"breakers": snapshots, "degraded": degraded}
	if err := ac.writeJSON(w, http.StatusOK, payload, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getReplicationStatus(w http.ResponseWriter, r *http.Request) {
	standbys, err := ac.replicaStatus(r.Context())
	if err != nil {
		ac.dalErrorResponse(w, err)
		return
	}
	lag, err := ac.replicaLag(r.Context())
	if err != nil {
		ac.dalErrorResponse(w, err)
		return
	}
	payload := envelope{"replicaStatusList": standbys, "readPool": lag}
	if err := ac.writeJSON(w, http.StatusOK, payload, nil); err != nil {
		ac.logError(err)
	}
	ac.logJson(payload)
}

func (ac *appContext) putLogLevel(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Level string `json:"level"`
	}
	if err := ac.readJSON(r, &input); err != nil {
		ac.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := SetLevel(input.Level); err != nil {
		ac.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ac.Logger.Info("log level changed", zap.String("level", input.Level))
	if err := ac.writeJSON(w, http.StatusOK, envelope{"level": CurrentLevel()}, nil); err != nil {
		ac.logError(err)
	}
}
