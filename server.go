package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/coordinator"
	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

const maxControlBody = 64 << 10

// RouteManager owns the HTTP routes of the exporter.
type RouteManager struct {
	coord     *coordinator.Coordinator
	gatherer  prometheus.Gatherer
	jwtSecret string
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	Router    *mux.Router
}

// NewRouteManager creates a RouteManager. Write routes require a bearer token
// when jwtSecret is set.
func NewRouteManager(coord *coordinator.Coordinator, gatherer prometheus.Gatherer, jwtSecret string, logger *slog.Logger) *RouteManager {
	return &RouteManager{
		coord:     coord,
		gatherer:  gatherer,
		jwtSecret: jwtSecret,
		logger:    logger,
		Router:    mux.NewRouter(),
	}
}

// Setup configures all routes
func (rm *RouteManager) Setup() {
	r := rm.Router

	r.Handle("/metrics", promhttp.HandlerFor(rm.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", rm.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/", rm.indexHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/snapshot", rm.snapshotHandler).Methods(http.MethodGet)
	api.HandleFunc("/stations", rm.stationsHandler).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", rm.stationHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices", rm.devicesHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{serial}", rm.deviceHandler).Methods(http.MethodGet)
	api.HandleFunc("/stream", rm.streamHandler).Methods(http.MethodGet)

	write := api.NewRoute().Subrouter()
	if rm.jwtSecret != "" {
		write.Use(func(next http.Handler) http.Handler { return jwtAuthMiddleware(rm.jwtSecret, next) })
	}
	write.HandleFunc("/refresh", rm.refreshHandler).Methods(http.MethodPost)
	write.HandleFunc("/devices/{serial}/{control}", rm.controlHandler).Methods(http.MethodPut)
}

func (rm *RouteManager) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := rm.coord.Status()
	resp := map[string]any{
		"status":      "ok",
		"ready":       rm.coord.Snapshot() != nil,
		"state":       st.State.String(),
		"lastSuccess": st.LastSuccess,
	}
	if st.LastError != nil {
		resp["lastError"] = st.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rm *RouteManager) indexHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, `<html>
<head><title>Deye Cloud Exporter</title></head>
<body>
<h1>Deye Cloud Exporter</h1>
<p><a href="/metrics">Metrics</a></p>
<p><a href="/health">Health</a></p>
<p><a href="/api/v1/snapshot">Snapshot</a></p>
</body>
</html>`)
}

// snapshot returns the current snapshot or answers 503 if there is none yet.
func (rm *RouteManager) snapshot(w http.ResponseWriter) (*coordinator.Snapshot, bool) {
	snap := rm.coord.Snapshot()
	if snap == nil {
		http.Error(w, "No data yet", http.StatusServiceUnavailable)
		return nil, false
	}
	return snap, true
}

func (rm *RouteManager) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if snap, ok := rm.snapshot(w); ok {
		writeJSON(w, http.StatusOK, snap)
	}
}

func (rm *RouteManager) stationsHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := rm.snapshot(w)
	if !ok {
		return
	}
	stations := make([]deyecloud.StationState, 0, len(snap.Stations))
	for _, id := range snap.StationIDs() {
		st, _ := snap.Station(id)
		stations = append(stations, st)
	}
	writeJSON(w, http.StatusOK, stations)
}

func (rm *RouteManager) stationHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := rm.snapshot(w)
	if !ok {
		return
	}
	st, found := snap.Station(mux.Vars(r)["id"])
	if !found {
		http.Error(w, "Station not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (rm *RouteManager) devicesHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := rm.snapshot(w)
	if !ok {
		return
	}
	stationID := r.URL.Query().Get("station")
	devices := make([]deyecloud.DeviceState, 0, len(snap.Devices))
	for _, sn := range snap.DeviceSerials() {
		dev, _ := snap.Device(sn)
		if stationID != "" && dev.Info.StationID != stationID {
			continue
		}
		devices = append(devices, dev)
	}
	writeJSON(w, http.StatusOK, devices)
}

func (rm *RouteManager) deviceHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := rm.snapshot(w)
	if !ok {
		return
	}
	dev, found := snap.Device(mux.Vars(r)["serial"])
	if !found {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (rm *RouteManager) refreshHandler(w http.ResponseWriter, r *http.Request) {
	rm.coord.RequestRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

// controlRequest is the body of a write-control call.
type controlRequest struct {
	Value json.RawMessage `json:"value"`
}

func (rm *RouteManager) controlHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctl, ok := lookupControl(vars["control"])
	if !ok {
		http.Error(w, "Unknown control", http.StatusNotFound)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	serial := vars["serial"]
	if err := ctl.apply(r.Context(), rm.coord, serial, req.Value); err != nil {
		code := statusFor(err)
		rm.logger.WarnContext(r.Context(), "write control failed",
			slog.String("control", ctl.Name), slog.String("serial", serial),
			slog.String("subject", subjectFromContext(r.Context())), slog.Any("error", err))
		http.Error(w, err.Error(), code)
		return
	}

	rm.logger.InfoContext(r.Context(), "write control applied",
		slog.String("control", ctl.Name), slog.String("serial", serial),
		slog.String("subject", subjectFromContext(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "control": ctl.Name, "serial": serial})
}

// statusFor maps a write error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, deyecloud.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, deyecloud.ErrAuth), errors.Is(err, deyecloud.ErrAPI), errors.Is(err, deyecloud.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
