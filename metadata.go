// JSON sidecar persistence for DatabaseManager: one "_metadata.json" at
// the base directory records every table's schema, its primary index
// type, and its secondary indexes, so a fresh DatabaseManager can
// reattach to index files written by a previous process. Uses
// goccy/go-json the way bplus_node.go's schema header already does.
package dbcore

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

type fieldMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

type secondaryMeta struct {
	Field string `json:"field"`
	Kind  string `json:"kind"`
}

type tableMeta struct {
	Name        string          `json:"name"`
	Fields      []fieldMeta     `json:"fields"`
	KeyField    string          `json:"key_field"`
	PrimaryKind string          `json:"primary_kind"`
	Secondaries []secondaryMeta `json:"secondaries"`
}

type databaseMeta struct {
	Tables []tableMeta `json:"tables"`
}

func fieldTypeName(t FieldType) string { return t.String() }

func fieldTypeFromName(name string) (FieldType, error) {
	switch name {
	case "INT":
		return FieldInt, nil
	case "FLOAT":
		return FieldFloat, nil
	case "CHAR":
		return FieldChar, nil
	case "BOOL":
		return FieldBool, nil
	case "ARRAY":
		return FieldArray, nil
	default:
		return 0, fmt.Errorf("%w: unknown field type %q", ErrCorruptMetadata, name)
	}
}

func tableToMeta(te *tableEntry) tableMeta {
	fields := make([]fieldMeta, 0, len(te.table.Fields))
	for _, fd := range te.table.Fields {
		fields = append(fields, fieldMeta{Name: fd.Name, Type: fieldTypeName(fd.Type), Size: fd.Size})
	}
	secs := make([]secondaryMeta, 0, len(te.secondaries))
	for field, se := range te.secondaries {
		secs = append(secs, secondaryMeta{Field: field, Kind: string(se.kind)})
	}
	return tableMeta{
		Name:        te.table.Name,
		Fields:      fields,
		KeyField:    te.table.KeyField,
		PrimaryKind: string(te.primaryKind),
		Secondaries: secs,
	}
}

func (dm *DatabaseManager) metadataPath() string {
	return dm.baseDir + string(os.PathSeparator) + "_metadata.json"
}

// saveMetadata writes the current set of tables to the sidecar file.
func (dm *DatabaseManager) saveMetadata() error {
	meta := databaseMeta{Tables: make([]tableMeta, 0, len(dm.tables))}
	for _, te := range dm.tables {
		meta.Tables = append(meta.Tables, tableToMeta(te))
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(dm.metadataPath(), data, 0o644)
}

// loadMetadata reads the sidecar file, returning a zero-value databaseMeta
// (not an error) when it does not exist yet.
func loadMetadata(path string) (databaseMeta, error) {
	var meta databaseMeta
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}
