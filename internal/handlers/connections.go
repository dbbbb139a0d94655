package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/claworc/webssh/internal/vault"
	"github.com/go-chi/chi/v5"
)

type connectionRequest struct {
	Name     string         `json:"name"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Username string         `json:"username"`
	AuthKind vault.AuthKind `json:"authType"`

	// Optional secrets. When any is set the credential is stored too.
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
}

func (req connectionRequest) hasSecrets() bool {
	return req.Password != "" || req.PrivateKey != "" || req.Passphrase != ""
}

func (a *API) ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Vault.Connections())
}

func (a *API) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := a.Vault.SaveConnection(vault.Connection{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		AuthKind: req.AuthKind,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.hasSecrets() {
		err := a.Vault.Save(conn.ID, vault.CredentialInput{
			Host:       conn.Host,
			Port:       conn.Port,
			Username:   conn.Username,
			AuthKind:   conn.AuthKind,
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
			Passphrase: req.Passphrase,
		})
		if err != nil {
			a.Vault.DeleteConnection(conn.ID)
			if errors.Is(err, vault.ErrMissingSecret) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Printf("[vault] store credentials for connection %s: %v", conn.ID, err)
			writeError(w, http.StatusInternalServerError, "Failed to store credentials")
			return
		}
		if conn, err = a.Vault.GetConnection(conn.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to reload connection")
			return
		}
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (a *API) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var upd vault.ConnectionUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := a.Vault.UpdateConnection(id, upd)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// DeleteConnection removes the connection and any stored credential for it.
func (a *API) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if !a.Vault.DeleteConnection(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
