package cacheguard

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	js "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"
)

// SchemaVersion is the entry layout version written by this package.
const SchemaVersion = "1"

// Entry is the stored form of a cached value. Timestamp and TTL are
// milliseconds; TTL zero means no expiry.
type Entry struct {
	Key       string          `json:"key" jsonschema:"required,minLength=1"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp" jsonschema:"required,minimum=1"`
	TTL       int64           `json:"ttl,omitempty" jsonschema:"minimum=0"`
	Checksum  string          `json:"checksum,omitempty"`
	Version   string          `json:"version,omitempty"`
}

// StoredAt returns Timestamp as a time.
func (e Entry) StoredAt() time.Time { return time.UnixMilli(e.Timestamp) }

// ExpiredAt reports whether the entry outlived its TTL at now.
func (e Entry) ExpiredAt(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-e.Timestamp > e.TTL
}

// Checksum returns the sha256 hex digest of the RFC 8785 canonical form of
// value, so semantically equal JSON hashes identically.
func Checksum(value []byte) (string, error) {
	canonical, err := jcs.Transform(value)
	if err != nil {
		return "", fmt.Errorf("canonicalize value: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

// EntrySchema returns the JSON Schema of Entry.
func EntrySchema() *js.Schema {
	r := &js.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *js.Schema {
			if t == rawMessageType {
				return &js.Schema{}
			}
			return nil
		},
	}
	return r.Reflect(new(Entry))
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(EntrySchema())
	if err != nil {
		return nil, fmt.Errorf("marshal entry schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile entry schema: %w", err)
	}
	return schema, nil
})

// finding is the outcome of a read-only inspection of a stored entry.
type finding struct {
	typ    ReportType // empty when healthy
	entry  Entry
	detail string
}

// inspect classifies raw without touching the store. The first failing
// check wins: format, metadata, expiry, checksum, version.
func inspect(raw []byte, now time.Time, version string) finding {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return finding{typ: TypeInvalidFormat, detail: err.Error()}
	}
	schema, err := compiledSchema()
	if err != nil {
		return finding{typ: TypeInvalidFormat, detail: err.Error()}
	}
	if res := schema.ValidateJSON(raw); !res.IsValid() {
		var e Entry
		_ = json.Unmarshal(raw, &e)
		return finding{typ: TypeMissingMetadata, entry: e, detail: "schema validation failed"}
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return finding{typ: TypeInvalidFormat, detail: err.Error()}
	}
	if e.Checksum == "" || e.Version == "" || len(e.Value) == 0 {
		return finding{typ: TypeMissingMetadata, entry: e, detail: "checksum, version or value missing"}
	}
	if e.ExpiredAt(now) {
		return finding{typ: TypeExpiredData, entry: e}
	}
	sum, err := Checksum(e.Value)
	if err != nil || sum != e.Checksum {
		return finding{typ: TypeChecksumMismatch, entry: e}
	}
	if e.Version != version {
		return finding{typ: TypeInvalidFormat, entry: e, detail: "version " + e.Version}
	}
	return finding{entry: e}
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// repairStructure tries to recover a parseable object from raw by dropping
// trailing garbage after the first JSON value and trailing separators.
func repairStructure(raw []byte) ([]byte, bool) {
	candidate := trailingComma.ReplaceAll(bytes.TrimSpace(raw), []byte("$1"))
	candidate = bytes.TrimRight(candidate, ",; \t\r\n")
	dec := json.NewDecoder(bytes.NewReader(candidate))
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(first, &obj); err != nil {
		return nil, false
	}
	if bytes.Equal(first, raw) {
		return nil, false
	}
	return first, true
}
