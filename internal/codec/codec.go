// Package codec is the extension-keyed encode/decode registry the
// persistence layer uses to read and write collection files: each format
// encodes and decodes bytes with its own library rather than through any
// shared singleton, with one small registry dispatching on file suffix.
// File I/O itself is left to the caller.
package codec

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/simonwjackson/proseql/internal/perrors"
)

// Codec encodes a Go value to bytes and decodes bytes back into one. A
// plain map[string]any encodes however the underlying library orders map
// keys; a VersionedFile encodes with VersionKey guaranteed first,
// regardless of how the entity ids in IDs happen to sort, since an id can
// start with a digit or an uppercase letter and so is not guaranteed to
// sort after a key starting with "_".
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}

// VersionedFile is a collection file's contents with an explicit,
// guaranteed key order: VersionKey first, then each id in IDs in order.
// Entities holds the full value set; IDs controls encoding order.
type VersionedFile struct {
	VersionKey string
	Version    int
	IDs        []string
	Entities   map[string]any
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) {
	if vf, ok := v.(VersionedFile); ok {
		return encodeVersionedJSON(vf)
	}
	return json.MarshalIndent(v, "", "  ")
}
func (jsonCodec) Decode(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func encodeVersionedJSON(vf VersionedFile) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	writeJSONEntry(&buf, vf.VersionKey, vf.Version)
	for _, id := range vf.IDs {
		buf.WriteString(",\n")
		writeJSONEntry(&buf, id, vf.Entities[id])
	}
	buf.WriteString("\n}\n")
	return buf.Bytes(), nil
}

func writeJSONEntry(buf *bytes.Buffer, key string, value any) {
	keyBytes, _ := json.Marshal(key)
	valBytes, err := json.MarshalIndent(value, "  ", "  ")
	if err != nil {
		valBytes, _ = json.Marshal(value)
	}
	buf.WriteString("  ")
	buf.Write(keyBytes)
	buf.WriteString(": ")
	buf.Write(valBytes)
}

type yamlCodec struct{}

func (yamlCodec) Encode(v any) ([]byte, error) {
	if vf, ok := v.(VersionedFile); ok {
		return encodeVersionedYAML(vf)
	}
	return yaml.Marshal(v)
}
func (yamlCodec) Decode(data []byte, out any) error {
	return yaml.Unmarshal(data, out)
}

func encodeVersionedYAML(vf VersionedFile) ([]byte, error) {
	var buf bytes.Buffer
	versionLine, err := yaml.Marshal(map[string]any{vf.VersionKey: vf.Version})
	if err != nil {
		return nil, err
	}
	buf.Write(versionLine)
	for _, id := range vf.IDs {
		entityLine, err := yaml.Marshal(map[string]any{id: vf.Entities[id]})
		if err != nil {
			return nil, err
		}
		buf.Write(entityLine)
	}
	return buf.Bytes(), nil
}

type tomlCodec struct{}

func (tomlCodec) Encode(v any) ([]byte, error) {
	if vf, ok := v.(VersionedFile); ok {
		return encodeVersionedTOML(vf)
	}
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}
func (tomlCodec) Decode(data []byte, out any) error {
	return toml.Unmarshal(data, out)
}

// encodeVersionedTOML writes VersionKey as a root-level key before any
// entity table header. TOML requires this ordering: once a [table] header
// appears, every following key=value line belongs to that table, so the
// version key could not be recovered as a root key if an entity table
// happened to be written first.
func encodeVersionedTOML(vf VersionedFile) ([]byte, error) {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(map[string]any{vf.VersionKey: vf.Version}); err != nil {
		return nil, err
	}
	for _, id := range vf.IDs {
		sb.WriteString("\n")
		if err := enc.Encode(map[string]any{id: vf.Entities[id]}); err != nil {
			return nil, err
		}
	}
	return []byte(sb.String()), nil
}

// Registry dispatches to a Codec by file extension.
type Registry struct {
	byExt map[string]Codec
}

// NewRegistry returns a registry pre-populated with json, yaml/yml, and
// toml codecs.
func NewRegistry() *Registry {
	return &Registry{byExt: map[string]Codec{
		".json": jsonCodec{},
		".yaml": yamlCodec{},
		".yml":  yamlCodec{},
		".toml": tomlCodec{},
	}}
}

// Register adds or overrides the codec used for ext (including the dot,
// e.g. ".json").
func (r *Registry) Register(ext string, c Codec) {
	r.byExt[ext] = c
}

// For returns the codec for path's extension.
func (r *Registry) For(path string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	c, ok := r.byExt[ext]
	if !ok {
		return nil, perrors.New(perrors.KindUnsupportedFormat, "no codec registered for extension", map[string]any{"ext": ext})
	}
	return c, nil
}
