package vault

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// connectionExport is the document written by ExportConnections. It never
// contains secret material; HasStoredCredentials is informational only.
type connectionExport struct {
	Version     int          `yaml:"version"`
	Connections []Connection `yaml:"connections"`
}

const exportVersion = 1

// ExportConnections writes every saved connection to w as YAML.
func (v *Vault) ExportConnections(w io.Writer) error {
	doc := connectionExport{
		Version:     exportVersion,
		Connections: v.Connections(),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	return enc.Close()
}

// ImportConnections reads a YAML document produced by ExportConnections and
// saves each connection. Existing ids are overwritten; stored credentials are
// left untouched. It returns the number of connections imported.
func (v *Vault) ImportConnections(r io.Reader) (int, error) {
	var doc connectionExport
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode connections: %w", err)
	}
	if doc.Version != exportVersion {
		return 0, fmt.Errorf("unsupported export version %d", doc.Version)
	}
	for i, c := range doc.Connections {
		if _, err := v.SaveConnection(c); err != nil {
			return i, fmt.Errorf("connection %d (%s): %w", i, c.ID, err)
		}
	}
	return len(doc.Connections), nil
}
