// Package schema validates request bodies against embedded JSON Schemas
// before they are decoded into the typed request structs. Every schema
// sets additionalProperties: false, so unknown keys are rejected with a
// message naming them.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

type Name string

const (
	AssignVoters    Name = "assign_voters"
	SpatialQuery    Name = "spatial_query"
	OptimizeRoute   Name = "optimize_route"
	Compare         Name = "compare"
	PlanCreate      Name = "plan_create"
	PlanCopy        Name = "plan_copy"
	DistrictUpdate  Name = "district_update"
	TerritoryCreate Name = "territory_create"
	VotersUpsert    Name = "voters_upsert"
	WalkListCreate  Name = "walk_list_create"
)

// MaxBody caps bodies read by Decode.
const MaxBody = 32 << 20

//go:embed schemas/*.json
var files embed.FS

// Error lists every schema violation in a request.
type Error struct {
	Errors []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("request does not match schema: %v", e.Errors)
}

var (
	once     sync.Once
	compiled map[Name]*gojsonschema.Schema
	loadErr  error
)

var entityID = regexp.MustCompile(`^[a-zA-Z0-9._:-]{1,128}$`)

type entityIDFormat struct{}

// IsFormat accepts external voter ids: UUIDs or registrar ids.
func (entityIDFormat) IsFormat(input interface{}) bool {
	s, ok := input.(string)
	return ok && entityID.MatchString(s)
}

func load() {
	gojsonschema.FormatCheckers.Add("entity_id", entityIDFormat{})
	compiled = map[Name]*gojsonschema.Schema{}
	entries, err := files.ReadDir("schemas")
	if err != nil {
		loadErr = err
		return
	}
	for _, e := range entries {
		data, err := files.ReadFile("schemas/" + e.Name())
		if err != nil {
			loadErr = err
			return
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			loadErr = fmt.Errorf("compile %s: %w", e.Name(), err)
			return
		}
		name := Name(e.Name()[:len(e.Name())-len(".json")])
		compiled[name] = s
	}
}

// Validate checks raw JSON against the named schema. A body that is not
// JSON at all is an *Error too.
func Validate(name Name, body []byte) error {
	once.Do(load)
	if loadErr != nil {
		return loadErr
	}
	s, ok := compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	res, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &Error{Errors: []string{"body is not valid JSON: " + err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, d := range res.Errors() {
		msgs = append(msgs, d.String())
	}
	sort.Strings(msgs)
	return &Error{Errors: msgs}
}

// Decode reads the request body, validates it against name and decodes it
// into v with unknown fields disallowed. An empty body decodes as {}.
func Decode(r *http.Request, name Name, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBody+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBody {
		return &Error{Errors: []string{"body exceeds size limit"}}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := Validate(name, body); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &Error{Errors: []string{err.Error()}}
	}
	return nil
}

// IsSchemaError reports whether err came from request validation.
func IsSchemaError(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}
