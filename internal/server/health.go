package server

import (
	"encoding/json"
	"net/http"

	"github.com/oho/subflow/internal/config"
	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/storage"
)

type HealthResponse struct {
	Status  string                `json:"status"`
	DB      string                `json:"db"`
	DataDir string                `json:"data_dir"`
	Port    int                   `json:"port"`
	LLM     health.HealthResponse `json:"llm"`
}

// HealthHandler returns a handler for GET /health.
func HealthHandler(cfg config.Config, db *storage.Database, mon *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "connected"
		if db == nil {
			dbStatus = "unavailable"
		} else if _, err := db.ListAllProjectIDs(); err != nil {
			dbStatus = "unavailable"
		}

		configured := map[string][2]string{
			"fast":  {string(cfg.LLMFast.Provider), cfg.LLMFast.Model},
			"power": {string(cfg.LLMPower.Provider), cfg.LLMPower.Model},
		}

		resp := HealthResponse{
			Status:  "ok",
			DB:      dbStatus,
			DataDir: cfg.DataDir,
			Port:    cfg.Port,
			LLM:     mon.Snapshot(configured),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
