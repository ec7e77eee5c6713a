package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kazz187/featureguild/pkg/cerr"
)

type registered struct {
	tool   Tool
	spec   Spec
	schema *jsonschema.Schema
}

// Registry is the name-keyed set of tools. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	tools map[string]*registered
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	schema, err := compileSchema(spec.Name, spec.InputSchema)
	if err != nil {
		return err
	}
	r.tools[spec.Name] = &registered{tool: t, spec: spec, schema: schema}
	return nil
}

func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema of %s: %w", name, err)
	}
	url := name + ".input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema of %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema of %s: %w", name, err)
	}
	return schema, nil
}

func (r *Registry) lookup(name string) (*registered, error) {
	reg, ok := r.tools[name]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("unknown tool %q", name), nil)
	}
	return reg, nil
}

func (r *Registry) Spec(name string) (Spec, bool) {
	reg, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return reg.spec, true
}

// Specs returns every registered tool spec ordered by name.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, len(r.tools))
	for _, reg := range r.tools {
		specs = append(specs, reg.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks input against the input schema of tool name.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	reg, err := r.lookup(name)
	if err != nil {
		return err
	}
	return reg.validate(input)
}

func (reg *registered) validate(input json.RawMessage) error {
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return validationError(reg.spec.Name, fmt.Sprintf("input is not valid JSON: %v", err))
	}
	err = reg.schema.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return validationError(reg.spec.Name, err.Error())
	}
	cErr := cerr.NewError(cerr.InvalidArgument,
		fmt.Sprintf("input of %s does not match its schema", reg.spec.Name),
		fmt.Errorf("%w: %s", ErrValidation, strings.ReplaceAll(ve.Error(), "\n", "; ")))
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		field := unit.InstanceLocation
		if field == "" {
			field = "/"
		}
		cErr.AddViolation(field, unit.KeywordLocation, fmt.Sprintf("%s: %s", field, unit.Error.String()))
	}
	return cErr
}

// validationError is the error for input that the schema accepts but the
// tool cannot use.
func validationError(toolName, msg string) error {
	return cerr.NewError(cerr.InvalidArgument, msg, fmt.Errorf("%w: %s: %s", ErrValidation, toolName, msg))
}
