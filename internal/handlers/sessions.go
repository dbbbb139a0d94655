package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
	"github.com/gluk-w/claworc/webssh/internal/vault"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	// ConnectionID selects a saved connection with stored credentials.
	// When empty the inline fields are used.
	ConnectionID string `json:"connectionId"`

	Name       string         `json:"name"`
	Host       string         `json:"host"`
	Port       int            `json:"port"`
	Username   string         `json:"username"`
	AuthKind   vault.AuthKind `json:"authType"`
	Password   string         `json:"password"`
	PrivateKey string         `json:"privateKey"`
	Passphrase string         `json:"passphrase"`

	// Save stores the inline connection and credentials after a successful login.
	Save bool `json:"save"`
}

type createSessionResponse struct {
	Session      sshterminal.SessionInfo `json:"session"`
	ConnectionID string                  `json:"connectionId,omitempty"`
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Sessions.List())
}

func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var params sshterminal.ConnectParams
	if req.ConnectionID != "" {
		cred, err := a.Vault.Get(req.ConnectionID)
		if err != nil {
			var decErr *vault.DecryptionError
			switch {
			case errors.Is(err, vault.ErrNotFound):
				writeError(w, http.StatusNotFound, "No stored credentials for this connection")
			case errors.As(err, &decErr):
				log.Printf("[session-mgr] stored credentials for %s unreadable: %v",
					logutil.SanitizeForLog(req.ConnectionID), err)
				writeError(w, http.StatusInternalServerError, "Stored credentials could not be decrypted")
			default:
				writeError(w, http.StatusInternalServerError, "Failed to load stored credentials")
			}
			return
		}
		params = sshterminal.ConnectParams{
			Host:       cred.Host,
			Port:       cred.Port,
			Username:   cred.Username,
			Password:   cred.Password,
			PrivateKey: cred.PrivateKey,
			Passphrase: cred.Passphrase,
		}
		// The saved connection is authoritative for where to dial.
		if conn, err := a.Vault.GetConnection(req.ConnectionID); err == nil {
			params.Host, params.Port, params.Username = conn.Host, conn.Port, conn.Username
		}
	} else {
		if req.Host == "" || req.Username == "" {
			writeError(w, http.StatusBadRequest, "host and username are required")
			return
		}
		if req.Password == "" && req.PrivateKey == "" {
			writeError(w, http.StatusBadRequest, "password or privateKey is required")
			return
		}
		params = sshterminal.ConnectParams{
			Host:       req.Host,
			Port:       req.Port,
			Username:   req.Username,
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
			Passphrase: req.Passphrase,
		}
	}

	sess, err := a.Sessions.Open(r.Context(), params)
	if err != nil {
		log.Printf("[session-mgr] connect to %s failed: %v", logutil.SanitizeForLog(params.Addr()), err)
		writeError(w, http.StatusBadGateway, "SSH connection failed: "+err.Error())
		return
	}

	resp := createSessionResponse{Session: sess.Info(), ConnectionID: req.ConnectionID}
	if req.ConnectionID == "" && req.Save {
		id, err := a.saveInline(req)
		if err != nil {
			log.Printf("[vault] save connection for session %s: %v", sess.ID, err)
		} else {
			resp.ConnectionID = id
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// saveInline stores the request's connection and its secrets under one id.
func (a *API) saveInline(req createSessionRequest) (string, error) {
	kind := req.AuthKind
	if kind == "" {
		kind = vault.AuthPassword
		if req.PrivateKey != "" {
			kind = vault.AuthKey
		}
	}
	conn, err := a.Vault.SaveConnection(vault.Connection{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		AuthKind: kind,
	})
	if err != nil {
		return "", err
	}
	err = a.Vault.Save(conn.ID, vault.CredentialInput{
		Host:       conn.Host,
		Port:       conn.Port,
		Username:   conn.Username,
		AuthKind:   kind,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		a.Vault.DeleteConnection(conn.ID)
		return "", err
	}
	return conn.ID, nil
}

func (a *API) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Sessions.Close(id); err != nil {
		if errors.Is(err, sshterminal.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
