package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/supervisor"
)

// datastoreTimeout bounds the datastore ping of /status.
const datastoreTimeout = 3 * time.Second

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func (g *Gateway) uptime() string {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	return uptime
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  g.uptime(),
	})
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Status     string                           `json:"status"`
	Version    string                           `json:"version"`
	Uptime     string                           `json:"uptime"`
	Connection *supervisor.Status               `json:"connection,omitempty"`
	Datastore  map[string]database.HealthStatus `json:"datastore,omitempty"`
}

// handleStatus implements GET /status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{Status: "ok", Version: version, Uptime: g.uptime()}
	if g.status != nil {
		st := g.status.Status()
		resp.Connection = &st
		if st.State != supervisor.StateOnline {
			resp.Status = "degraded"
		}
	}
	if g.datastore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), datastoreTimeout)
		defer cancel()
		resp.Datastore = g.datastore.Status(ctx)
		for _, h := range resp.Datastore {
			if !h.Healthy {
				resp.Status = "degraded"
			}
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}
