package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/webssh/internal/database"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if err := database.Ping(); err == nil {
		dbStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if a.Sessions != nil {
		resp["sessions"] = a.Sessions.Count()
	}
	if a.Relay != nil {
		resp["sockets"] = a.Relay.SocketCount()
	}
	if a.Vault != nil {
		resp["vault_ephemeral_key"] = a.Vault.EphemeralKey()
	}
	writeJSON(w, http.StatusOK, resp)
}
