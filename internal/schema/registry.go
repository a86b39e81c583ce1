// Package schema loads the event contract: one envelope schema, shared
// object schemas, and one payload schema per event type. Validation is
// JSON Schema draft 2020-12 with format assertions.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas
var defaultSchemas embed.FS

// eventTypeTag is the marker a payload schema uses to declare which
// event_type it validates. Uniqueness is enforced at load time.
const eventTypeTag = "x_event_type"

// LoadError reports an unusable schema set.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load schemas (%s): %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Error reports a schema validation failure, carrying the $id of the
// schema that rejected the document.
type Error struct {
	Message  string
	SchemaID string
}

func (e *Error) Error() string { return e.Message }

// UnknownTypeError reports an event type with no registered payload schema.
type UnknownTypeError struct {
	EventType string
}

func (e *UnknownTypeError) Error() string {
	return "no schema for event_type=" + e.EventType
}

type compiled struct {
	schema *jsonschema.Schema
	id     string
}

// Registry is an immutable index of compiled schemas.
type Registry struct {
	envelope compiled
	payloads map[string]compiled
}

// Load reads a schema directory laid out as envelope/, objects/, events/.
// An empty dir loads the embedded default schema set.
func Load(dir string) (*Registry, error) {
	if dir == "" {
		return Default()
	}
	return LoadFS(os.DirFS(dir))
}

// Default loads the schema set embedded in the binary.
func Default() (*Registry, error) {
	sub, err := fs.Sub(defaultSchemas, "schemas")
	if err != nil {
		return nil, &LoadError{Path: "embedded", Err: err}
	}
	return LoadFS(sub)
}

// LoadFS compiles every schema under fsys into an immutable registry.
// It fails when a file is unparseable, when two payload schemas claim the
// same event type, or when the envelope schema is absent.
func LoadFS(fsys fs.FS) (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	// Shared object schemas must be registered before payload compilation
	// so $ref resolution can find them.
	objectNames, err := listJSON(fsys, "objects")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &LoadError{Path: "objects", Err: err}
	}
	for _, name := range objectNames {
		if _, err := addResource(c, fsys, path.Join("objects", name), name); err != nil {
			return nil, err
		}
	}

	const envelopePath = "envelope/event_envelope.v1.schema.json"
	envDoc, err := addResource(c, fsys, envelopePath, "event_envelope.v1.schema.json")
	if err != nil {
		return nil, &LoadError{Path: envelopePath, Err: errors.New("envelope schema is absent")}
	}
	envSchema, err := c.Compile("event_envelope.v1.schema.json")
	if err != nil {
		return nil, &LoadError{Path: envelopePath, Err: err}
	}

	eventNames, err := listJSON(fsys, "events")
	if err != nil {
		return nil, &LoadError{Path: "events", Err: err}
	}
	payloads := make(map[string]compiled, len(eventNames))
	for _, name := range eventNames {
		rel := path.Join("events", name)
		doc, err := addResource(c, fsys, rel, name)
		if err != nil {
			return nil, err
		}
		eventType := docString(doc, eventTypeTag)
		if eventType == "" {
			return nil, &LoadError{Path: rel, Err: fmt.Errorf("missing %s", eventTypeTag)}
		}
		if _, dup := payloads[eventType]; dup {
			return nil, &LoadError{Path: rel, Err: fmt.Errorf("duplicate schema for event_type=%s", eventType)}
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, &LoadError{Path: rel, Err: err}
		}
		payloads[eventType] = compiled{schema: sch, id: docString(doc, "$id")}
	}

	return &Registry{
		envelope: compiled{schema: envSchema, id: docString(envDoc, "$id")},
		payloads: payloads,
	}, nil
}

// EventTypes returns the registered payload event types, sorted.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.payloads))
	for t := range r.payloads {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateEnvelope checks a decoded envelope document against the
// envelope schema.
func (r *Registry) ValidateEnvelope(doc any) error {
	return r.validate(r.envelope, doc)
}

// ValidatePayload checks a decoded payload against the schema registered
// for eventType. Unknown types return UnknownTypeError.
func (r *Registry) ValidatePayload(eventType string, payload any) error {
	sch, ok := r.payloads[eventType]
	if !ok {
		return &UnknownTypeError{EventType: eventType}
	}
	return r.validate(sch, payload)
}

func (r *Registry) validate(c compiled, doc any) error {
	if err := c.schema.Validate(doc); err != nil {
		return &Error{Message: firstError(err), SchemaID: c.id}
	}
	return nil
}

// firstError digs out the first leaf cause so callers see the most
// specific violation rather than the whole tree.
func firstError(err error) string {
	ve := &jsonschema.ValidationError{}
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Error()
}

func addResource(c *jsonschema.Compiler, fsys fs.FS, rel, url string) (any, error) {
	f, err := fsys.Open(rel)
	if err != nil {
		return nil, &LoadError{Path: rel, Err: err}
	}
	defer f.Close()
	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, &LoadError{Path: rel, Err: err}
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, &LoadError{Path: rel, Err: err}
	}
	return doc, nil
}

func listJSON(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func docString(doc any, key string) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
