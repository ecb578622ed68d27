package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/errors"
	"github.com/devq-ai/agentical-sub002/pkg/monitoring"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	critical := app.monitor.Alerts(monitoring.LevelCritical)

	status := "healthy"
	code := http.StatusOK
	if len(critical) > 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"uptime":     time.Since(app.startedAt).String(),
		"check_time": time.Now().Format(time.RFC3339),
	})
}

func (app *App) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	poolStats := app.pool.Stats()
	execStats := app.executor.Stats()
	usage := app.monitor.CurrentUsage()
	critical := app.monitor.Alerts(monitoring.LevelCritical)
	warnings := app.monitor.Alerts(monitoring.LevelWarning)

	status := "healthy"
	code := http.StatusOK
	if len(critical) > 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"components": map[string]interface{}{
			"executor": map[string]interface{}{
				"active_tasks":      execStats.Active,
				"available_permits": execStats.AvailablePermits,
				"success_rate":      execStats.SuccessRate,
			},
			"connection_pool": map[string]interface{}{
				"total_connections":  poolStats.TotalConnections,
				"failed_connections": poolStats.FailedConnections,
				"last_health_check":  poolStats.LastHealthCheck.Format(time.RFC3339),
			},
			"monitor": map[string]interface{}{
				"memory_mb":       usage.MemoryMB,
				"cpu_percent":     usage.CPUPercent,
				"goroutines":      usage.Goroutines,
				"critical_alerts": len(critical),
				"warning_alerts":  len(warnings),
			},
		},
		"check_time": time.Now().Format(time.RFC3339),
	})
}

func (app *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executor":   app.executor.Stats(),
		"pool":       app.pool.Stats(),
		"usage":      app.monitor.CurrentUsage(),
		"op_success": app.monitor.OperationSuccessRate(),
		"uptime":     time.Since(app.startedAt).String(),
	})
}

func (app *App) poolStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.pool.Stats())
}

func (app *App) executorStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.executor.Stats())
}

type queryRequest struct {
	Query    string                 `json:"query"`
	Params   map[string]interface{} `json:"params"`
	UseCache *bool                  `json:"use_cache"`
}

// queryHandler executes a SQL query through the executor so pool access is
// bounded by the same concurrency ceiling as every other task.
func (app *App) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	started := time.Now()
	result, err := app.executor.Run(r.Context(), func(ctx context.Context) (interface{}, error) {
		return app.pool.ExecuteQuery(ctx, req.Query, req.Params, useCache)
	}, "")
	app.monitor.TrackOperation(err == nil)

	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.IsCode(err, errors.CodeTaskTimeout):
			status = http.StatusGatewayTimeout
		case errors.IsCode(err, errors.CodePoolExhausted):
			status = http.StatusServiceUnavailable
		case errors.IsCode(err, errors.CodeQueryFailed):
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":      result,
		"duration_ms": float64(time.Since(started)) / float64(time.Millisecond),
	})
}

func (app *App) usageHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.monitor.CurrentUsage())
}

func (app *App) trendsHandler(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window duration"})
			return
		}
		window = parsed
	}
	writeJSON(w, http.StatusOK, app.monitor.UsageTrends(window))
}

func (app *App) alertsHandler(w http.ResponseWriter, r *http.Request) {
	level := monitoring.AlertLevel(r.URL.Query().Get("level"))
	if level != "" && level != monitoring.LevelWarning && level != monitoring.LevelCritical {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be warning or critical"})
		return
	}

	alerts := app.monitor.Alerts(level)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (app *App) clearAlertsHandler(w http.ResponseWriter, r *http.Request) {
	app.monitor.ClearAlerts()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// configHandler returns the active configuration with credentials removed.
func (app *App) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := *app.config.Load()
	cfg.Database.Password = ""
	writeJSON(w, http.StatusOK, cfg)
}

func (app *App) reloadStatsHandler(w http.ResponseWriter, r *http.Request) {
	if app.reloader == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"stats":   app.reloader.GetStats(),
	})
}
