package offlinecache

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// AdminPrefix is the path below which the agent's own endpoints are served.
// Application paths below it are shadowed by the router and never reach the origin.
const AdminPrefix = "/.offline-cache"

type statusResponse struct {
	Version     string   `json:"version"`
	State       string   `json:"state"`
	Controlling bool     `json:"controlling"`
	Caches      []string `json:"caches"`
}

type installResponse struct {
	Stored []string          `json:"stored"`
	Failed map[string]string `json:"failed"`
}

type activateResponse struct {
	Deleted []string `json:"deleted"`
}

// Router returns the handler hosting the agent: the admin endpoints below
// AdminPrefix, and the agent itself for every other request.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(a.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/install", a.handleInstall)
		r.Post("/activate", a.handleActivate)
	})
	r.Handle("/*", a)
	return r
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	names, err := a.provider.Names()
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list caches")
		http.Error(w, "Could not list caches", http.StatusInternalServerError)
		return
	}
	state := a.State()
	writeJSON(w, r, http.StatusOK, statusResponse{
		Version:     a.version,
		State:       state.String(),
		Controlling: state == StateActivated,
		Caches:      names,
	})
}

// handleInstall installs the current version, and activates it too with SkipWaiting.
func (a *Agent) handleInstall(w http.ResponseWriter, r *http.Request) {
	report, err := a.Start(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Install failed")
		http.Error(w, "Install failed", http.StatusInternalServerError)
		return
	}
	res := installResponse{
		Stored: report.Stored(),
		Failed: make(map[string]string),
	}
	for _, f := range report.Failed() {
		res.Failed[f.URL] = f.Err.Error()
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (a *Agent) handleActivate(w http.ResponseWriter, r *http.Request) {
	deleted, err := a.Activate(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Activate failed")
		http.Error(w, "Activate failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, activateResponse{Deleted: deleted})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response body to client")
	}
}
