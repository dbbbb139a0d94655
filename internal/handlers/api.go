package handlers

import (
	"github.com/gluk-w/claworc/webssh/internal/relay"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
	"github.com/gluk-w/claworc/webssh/internal/vault"
	"github.com/go-chi/chi/v5"
)

// API serves the session, connection and relay endpoints.
type API struct {
	Sessions *sshterminal.Registry
	Vault    *vault.Vault
	Relay    *relay.Relay
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.HealthCheck)
	r.Handle("/ws", a.Relay)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", a.ListSessions)
		r.Post("/sessions", a.CreateSession)
		r.Delete("/sessions/{id}", a.CloseSession)

		r.Get("/connections", a.ListConnections)
		r.Post("/connections", a.CreateConnection)
		r.Put("/connections/{id}", a.UpdateConnection)
		r.Delete("/connections/{id}", a.DeleteConnection)

		r.Get("/server-logs", GetServerLogs)
		r.Delete("/server-logs", ClearServerLogs)
	})
}
