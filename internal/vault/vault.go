package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/google/uuid"
)

const (
	connectionsCollection = "connections"
	credentialsCollection = "credentials"
)

// ErrNotFound is returned when a connection or credential id is absent.
var ErrNotFound = errors.New("not found")

// ErrMissingSecret is returned by Save when the secret its auth kind needs is absent.
var ErrMissingSecret = errors.New("missing secret for auth kind")

// AuthKind selects how a saved connection authenticates.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// Valid reports whether k is a known auth kind.
func (k AuthKind) Valid() bool {
	return k == AuthPassword || k == AuthKey
}

// CredentialInput is the plaintext material handed to Save. Empty secret
// fields are treated as absent and are not stored.
type CredentialInput struct {
	Host       string
	Port       int
	Username   string
	AuthKind   AuthKind
	Password   string
	PrivateKey string
	Passphrase string
}

// Credential is a decrypted stored credential.
type Credential struct {
	ID         string
	Host       string
	Port       int
	Username   string
	AuthKind   AuthKind
	Password   string
	PrivateKey string
	Passphrase string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
}

// CredentialSummary is the secret-free view returned by List.
type CredentialSummary struct {
	ID         string     `json:"id"`
	Host       string     `json:"host"`
	Username   string     `json:"username"`
	AuthKind   AuthKind   `json:"authType"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// storedCredential is the on-disk credential record. Secret fields hold
// sealed blobs; IV is only present on records from the legacy encoding.
type storedCredential struct {
	ID         string     `json:"id"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	AuthKind   AuthKind   `json:"authType"`
	Password   string     `json:"password,omitempty"`
	PrivateKey string     `json:"privateKey,omitempty"`
	Passphrase string     `json:"passphrase,omitempty"`
	IV         string     `json:"iv,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Connection is a saved, non-secret connection description.
type Connection struct {
	ID                   string    `json:"id" yaml:"id"`
	Name                 string    `json:"name" yaml:"name"`
	Host                 string    `json:"host" yaml:"host"`
	Port                 int       `json:"port" yaml:"port"`
	Username             string    `json:"username" yaml:"username"`
	AuthKind             AuthKind  `json:"authType" yaml:"authType"`
	HasStoredCredentials bool      `json:"hasStoredCredentials" yaml:"hasStoredCredentials"`
	CreatedAt            time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// ConnectionUpdate carries the fields UpdateConnection may change. Nil fields are left alone.
type ConnectionUpdate struct {
	Name     *string   `json:"name,omitempty"`
	Host     *string   `json:"host,omitempty"`
	Port     *int      `json:"port,omitempty"`
	Username *string   `json:"username,omitempty"`
	AuthKind *AuthKind `json:"authType,omitempty"`
}

// Vault owns both collections. All methods are safe for concurrent use; a
// single mutex serializes mutations and the persistence that follows them.
type Vault struct {
	mu          sync.Mutex
	key         *Key
	store       Store
	connections map[string]*Connection
	credentials map[string]*storedCredential
	persistErr  error

	now func() time.Time
}

// New loads both collections from store and reconciles them.
func New(store Store, key *Key) (*Vault, error) {
	if key == nil {
		return nil, errors.New("vault key is required")
	}
	v := &Vault{
		key:         key,
		store:       store,
		connections: make(map[string]*Connection),
		credentials: make(map[string]*storedCredential),
		now:         time.Now,
	}
	if err := load(store, connectionsCollection, v.connections); err != nil {
		return nil, err
	}
	if err := load(store, credentialsCollection, v.credentials); err != nil {
		return nil, err
	}

	v.mu.Lock()
	n := v.reconcile()
	v.mu.Unlock()
	log.Printf("[vault] loaded %d connections, %d credentials (%d reconciled)",
		len(v.connections), len(v.credentials), n)
	return v, nil
}

// EphemeralKey reports whether the vault runs on a key that was not persisted.
func (v *Vault) EphemeralKey() bool {
	return !v.key.Persisted()
}

// reconcile synthesizes a Connection for every credential that lacks one.
// Data from the single-collection layout only has credentials. Caller holds v.mu.
func (v *Vault) reconcile() int {
	added := 0
	for id, cred := range v.credentials {
		if _, ok := v.connections[id]; ok {
			continue
		}
		now := v.now()
		v.connections[id] = &Connection{
			ID:                   id,
			Name:                 cred.Username + "@" + cred.Host,
			Host:                 cred.Host,
			Port:                 cred.Port,
			Username:             cred.Username,
			AuthKind:             cred.AuthKind,
			HasStoredCredentials: true,
			CreatedAt:            orNow(cred.CreatedAt, now),
			UpdatedAt:            now,
		}
		log.Printf("[vault] reconciled missing connection for credential %s", logutil.SanitizeForLog(id))
		added++
	}
	if added > 0 {
		v.persist(connectionsCollection)
	}
	return added
}

// Save encrypts and stores the credential for id, replacing any previous one.
func (v *Vault) Save(id string, in CredentialInput) error {
	if id == "" {
		return errors.New("credential id is required")
	}
	if !in.AuthKind.Valid() {
		return fmt.Errorf("invalid auth kind %q", in.AuthKind)
	}
	if in.AuthKind == AuthPassword && in.Password == "" {
		return fmt.Errorf("password: %w", ErrMissingSecret)
	}
	if in.AuthKind == AuthKey && in.PrivateKey == "" {
		return fmt.Errorf("privateKey: %w", ErrMissingSecret)
	}

	rec := &storedCredential{
		ID:       id,
		Host:     in.Host,
		Port:     in.Port,
		Username: in.Username,
		AuthKind: in.AuthKind,
	}
	for _, f := range []struct {
		dst   *string
		value string
		name  string
	}{
		{&rec.Password, in.Password, "password"},
		{&rec.PrivateKey, in.PrivateKey, "privateKey"},
		{&rec.Passphrase, in.Passphrase, "passphrase"},
	} {
		if f.value == "" {
			continue
		}
		blob, err := sealField(v.key.bytes, f.value)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", f.name, err)
		}
		*f.dst = blob
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	if prev, ok := v.credentials[id]; ok {
		rec.CreatedAt = prev.CreatedAt
		rec.LastUsedAt = prev.LastUsedAt
	}
	v.credentials[id] = rec
	v.persist(credentialsCollection)

	if conn, ok := v.connections[id]; ok && !conn.HasStoredCredentials {
		conn.HasStoredCredentials = true
		conn.UpdatedAt = now
		v.persist(connectionsCollection)
	}
	return nil
}

// Get decrypts the credential for id and records the use. Any field that
// fails to decrypt fails the whole read with a *DecryptionError.
func (v *Vault) Get(id string) (*Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %q: %w", id, ErrNotFound)
	}

	cred := &Credential{
		ID:        rec.ID,
		Host:      rec.Host,
		Port:      rec.Port,
		Username:  rec.Username,
		AuthKind:  rec.AuthKind,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, f := range []struct {
		dst  *string
		blob string
		name string
	}{
		{&cred.Password, rec.Password, "password"},
		{&cred.PrivateKey, rec.PrivateKey, "privateKey"},
		{&cred.Passphrase, rec.Passphrase, "passphrase"},
	} {
		if f.blob == "" {
			continue
		}
		plain, err := openField(v.key.bytes, f.blob, rec.IV)
		if err != nil {
			return nil, &DecryptionError{ID: id, Field: f.name, Err: err}
		}
		*f.dst = plain
	}

	now := v.now()
	rec.LastUsedAt = &now
	cred.LastUsedAt = &now
	v.persist(credentialsCollection)
	return cred, nil
}

// Has reports whether a credential is stored for id.
func (v *Vault) Has(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.credentials[id]
	return ok
}

// Delete removes the credential for id. It reports whether one existed.
func (v *Vault) Delete(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.credentials[id]; !ok {
		return false
	}
	delete(v.credentials, id)
	v.persist(credentialsCollection)

	if conn, ok := v.connections[id]; ok && conn.HasStoredCredentials {
		conn.HasStoredCredentials = false
		conn.UpdatedAt = v.now()
		v.persist(connectionsCollection)
	}
	return true
}

// List returns summaries of every stored credential, sorted by id.
func (v *Vault) List() []CredentialSummary {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]CredentialSummary, 0, len(v.credentials))
	for _, rec := range v.credentials {
		out = append(out, CredentialSummary{
			ID:         rec.ID,
			Host:       rec.Host,
			Username:   rec.Username,
			AuthKind:   rec.AuthKind,
			LastUsedAt: rec.LastUsedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SaveConnection stores c. An empty ID is replaced with a new uuid; the
// stored copy is returned.
func (v *Vault) SaveConnection(c Connection) (Connection, error) {
	if c.Host == "" || c.Username == "" {
		return Connection{}, errors.New("host and username are required")
	}
	if c.AuthKind == "" {
		c.AuthKind = AuthPassword
	}
	if !c.AuthKind.Valid() {
		return Connection{}, fmt.Errorf("invalid auth kind %q", c.AuthKind)
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Name == "" {
		c.Name = c.Username + "@" + c.Host
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	c.CreatedAt = orNow(c.CreatedAt, now)
	c.UpdatedAt = now
	_, c.HasStoredCredentials = v.credentials[c.ID]
	stored := c
	v.connections[c.ID] = &stored
	v.persist(connectionsCollection)
	return c, nil
}

// UpdateConnection applies upd to the connection with id.
func (v *Vault) UpdateConnection(id string, upd ConnectionUpdate) (Connection, error) {
	if upd.AuthKind != nil && !upd.AuthKind.Valid() {
		return Connection{}, fmt.Errorf("invalid auth kind %q", *upd.AuthKind)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	c, ok := v.connections[id]
	if !ok {
		return Connection{}, fmt.Errorf("connection %q: %w", id, ErrNotFound)
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.Host != nil {
		c.Host = *upd.Host
	}
	if upd.Port != nil {
		c.Port = *upd.Port
	}
	if upd.Username != nil {
		c.Username = *upd.Username
	}
	if upd.AuthKind != nil {
		c.AuthKind = *upd.AuthKind
	}
	c.UpdatedAt = v.now()
	v.persist(connectionsCollection)

	// The credential carries its own copy of the dial target.
	if rec, ok := v.credentials[id]; ok {
		if rec.Host != c.Host || rec.Port != c.Port || rec.Username != c.Username || rec.AuthKind != c.AuthKind {
			rec.Host, rec.Port, rec.Username, rec.AuthKind = c.Host, c.Port, c.Username, c.AuthKind
			rec.UpdatedAt = c.UpdatedAt
			v.persist(credentialsCollection)
		}
	}
	return *c, nil
}

// DeleteConnection removes the connection with id and its stored credential.
// Both maps change under one lock hold, so no reader sees one without the other.
func (v *Vault) DeleteConnection(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, hadConn := v.connections[id]
	_, hadCred := v.credentials[id]
	if !hadConn && !hadCred {
		return false
	}
	delete(v.connections, id)
	delete(v.credentials, id)
	if hadConn {
		v.persist(connectionsCollection)
	}
	if hadCred {
		v.persist(credentialsCollection)
	}
	return true
}

// GetConnection returns the connection with id.
func (v *Vault) GetConnection(id string) (Connection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.connections[id]
	if !ok {
		return Connection{}, fmt.Errorf("connection %q: %w", id, ErrNotFound)
	}
	return *c, nil
}

// Connections returns all saved connections, oldest first.
func (v *Vault) Connections() []Connection {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Connection, 0, len(v.connections))
	for _, c := range v.connections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Flush rewrites both collections and returns the first persistence error,
// including one left over from an earlier mutation.
func (v *Vault) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	prev := v.persistErr
	v.persistErr = nil
	v.persist(connectionsCollection)
	v.persist(credentialsCollection)
	if v.persistErr != nil {
		return v.persistErr
	}
	if prev != nil {
		log.Printf("[vault] earlier persist error cleared by flush: %v", prev)
	}
	return nil
}

// Close flushes the vault. The vault must not be used afterwards.
func (v *Vault) Close() error {
	return v.Flush()
}

// persist serializes one collection and writes it. Failures are logged and
// kept for Flush; the in-memory state stays authoritative. Caller holds v.mu.
func (v *Vault) persist(name string) {
	var (
		data []byte
		err  error
	)
	switch name {
	case connectionsCollection:
		data, err = encodePairs(v.connections)
	case credentialsCollection:
		data, err = encodePairs(v.credentials)
	default:
		err = fmt.Errorf("unknown collection %q", name)
	}
	if err == nil {
		err = v.store.Save(name, data)
	}
	if err != nil {
		log.Printf("[vault] PERSIST_ERROR %s: %v", name, err)
		if v.persistErr == nil {
			v.persistErr = fmt.Errorf("persist %s: %w", name, err)
		}
	}
}

// pair is one [id, record] element of a serialized collection.
type pair[T any] struct {
	ID     string
	Record T
}

func (p pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.ID, p.Record})
}

func (p *pair[T]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("collection entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return fmt.Errorf("entry id: %w", err)
	}
	return json.Unmarshal(raw[1], &p.Record)
}

func encodePairs[T any](m map[string]*T) ([]byte, error) {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pairs := make([]pair[*T], len(ids))
	for i, id := range ids {
		pairs[i] = pair[*T]{ID: id, Record: m[id]}
	}
	return json.Marshal(pairs)
}

func load[T any](store Store, name string, dst map[string]*T) error {
	data, err := store.Load(name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	var pairs []pair[*T]
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	for _, p := range pairs {
		if p.Record != nil {
			dst[p.ID] = p.Record
		}
	}
	return nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
