// Package vault stores saved SSH connections and their encrypted credentials.
//
// Two keyed collections are kept side by side and correlated by id:
//
//   - connections: non-secret [Connection] records (name, host, port, user,
//     auth kind, and whether credentials are stored).
//   - credentials: [Credential] records whose secret fields (password,
//     private key, passphrase) are sealed individually with AES-256-GCM.
//
// Each secret field is stored as lowercase hex "iv:cipher:tag" with a fresh
// random iv per field and per save. Records written by older releases carry a
// single record-level iv and "cipher:tag" fields; both encodings are read.
// A field that fails authentication fails the whole read with a
// [*DecryptionError]; partially decrypted credentials are never returned.
//
// Every mutation rewrites the affected collection in full through a [Store].
// Two stores exist: the sqlite-backed database.CollectionStore and
// [FileStore], which writes one JSON file per collection.
//
// # Key provisioning
//
// [ProvisionKey] resolves the 256-bit key in priority order: operator
// supplied key, key file from a previous run, freshly generated key written
// to the key file. When the generated key cannot be written the vault keeps
// running on an in-memory key and logs a warning; [Key.Persisted] reports the
// condition so the caller can refuse to start instead.
//
// # Log Prefixes
//
// All vault logging uses the [vault] prefix. Secret values are never logged.
package vault
