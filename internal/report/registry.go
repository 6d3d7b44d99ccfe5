package report

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

// DirName is the user definition directory inside .lwreport.
const DirName = "reports"

// SourceBuiltin marks definitions compiled into the binary.
const SourceBuiltin = "builtin"

//go:embed defs/*.yaml
var builtinFS embed.FS

//go:embed definition.schema.json
var definitionSchema []byte

// ErrNotFound is returned for an unknown report name.
var ErrNotFound = errors.New("report not found")

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled, compileErr = compiler.Compile(definitionSchema)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile definition schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Registry is the set of known definitions, read-only after loading.
type Registry struct {
	defs  map[string]Definition
	names []string
}

// Builtin returns a registry holding only the embedded definitions.
func Builtin() (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	entries, err := fs.ReadDir(builtinFS, "defs")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := fs.ReadFile(builtinFS, "defs/"+e.Name())
		if err != nil {
			return nil, err
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		d.Source = SourceBuiltin
		r.add(d)
	}
	return r, nil
}

// Load returns the builtin definitions overlaid with the *.yaml and *.yml
// files of dir. A missing dir is not an error. User files replace builtins
// of the same name.
func Load(dir string) (*Registry, error) {
	r, err := Builtin()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading report definitions: %w", err)
	}

	seen := make(map[string]string)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("%s: report %s already defined in %s", path, d.Name, prev)
		}
		seen[d.Name] = path
		d.Source = path
		r.add(d)
	}
	return r, nil
}

// Parse validates one YAML document against the definition schema, decodes
// it and checks its cross-field rules.
func Parse(data []byte) (Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Definition{}, fmt.Errorf("parsing definition: %w", err)
	}
	if doc == nil {
		return Definition{}, fmt.Errorf("empty definition")
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return Definition{}, fmt.Errorf("converting definition: %w", err)
	}

	sch, err := documentSchema()
	if err != nil {
		return Definition{}, err
	}
	if res := sch.ValidateJSON(asJSON); !res.IsValid() {
		return Definition{}, fmt.Errorf("definition does not match schema: %s", describe(res))
	}

	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("decoding definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

func describe(res *jsonschema.EvaluationResult) string {
	var msgs []string
	for field, e := range res.Errors {
		msgs = append(msgs, field+": "+e.Error())
	}
	slices.Sort(msgs)
	return strings.Join(msgs, "; ")
}

func (r *Registry) add(d Definition) {
	if _, ok := r.defs[d.Name]; !ok {
		r.names = append(r.names, d.Name)
		slices.Sort(r.names)
	}
	r.defs[d.Name] = d
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s (known: %s)", ErrNotFound, name, strings.Join(r.names, ", "))
	}
	return d.Clone(), nil
}

// List returns every definition sorted by name.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.defs[n].Clone())
	}
	return out
}

// Names returns the sorted definition names.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Resolve looks up name and applies p.
func (r *Registry) Resolve(name string, p Params) (Definition, error) {
	d, err := r.Get(name)
	if err != nil {
		return Definition{}, err
	}
	return Resolve(d, p)
}
