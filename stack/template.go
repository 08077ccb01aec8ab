package stack

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is a CloudFormation template document.
type Template struct {
	AWSTemplateFormatVersion string               `json:"AWSTemplateFormatVersion" yaml:"AWSTemplateFormatVersion"`
	Description              string               `json:"Description,omitempty" yaml:"Description,omitempty"`
	Parameters               map[string]Parameter `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	Resources                map[string]Resource  `json:"Resources" yaml:"Resources"`
	Outputs                  map[string]Output    `json:"Outputs,omitempty" yaml:"Outputs,omitempty"`
}

// Parameter is a template input supplied at deploy time.
type Parameter struct {
	Type        string `json:"Type" yaml:"Type"`
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
	Default     string `json:"Default,omitempty" yaml:"Default,omitempty"`
}

// Resource is a single CloudFormation resource declaration.
type Resource struct {
	Type           string         `json:"Type" yaml:"Type"`
	Properties     map[string]any `json:"Properties,omitempty" yaml:"Properties,omitempty"`
	DependsOn      []string       `json:"DependsOn,omitempty" yaml:"DependsOn,omitempty"`
	DeletionPolicy string         `json:"DeletionPolicy,omitempty" yaml:"DeletionPolicy,omitempty"`
}

// Output is a stack output value.
type Output struct {
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
	Value       any    `json:"Value" yaml:"Value"`
}

// NewTemplate returns an empty template.
func NewTemplate(description string) *Template {
	return &Template{
		AWSTemplateFormatVersion: "2010-09-09",
		Description:              description,
		Parameters:               make(map[string]Parameter),
		Resources:                make(map[string]Resource),
		Outputs:                  make(map[string]Output),
	}
}

// Add declares a resource under logicalID. Declaring the same ID twice is a
// programming error.
func (t *Template) Add(logicalID string, r Resource) {
	if _, exists := t.Resources[logicalID]; exists {
		panic("stack: duplicate logical ID " + logicalID)
	}
	t.Resources[logicalID] = r
}

// Resource returns the resource declared under logicalID.
func (t *Template) Resource(logicalID string) (Resource, bool) {
	r, ok := t.Resources[logicalID]
	return r, ok
}

// ResourcesOfType returns all resources of the given CloudFormation type keyed
// by logical ID.
func (t *Template) ResourcesOfType(typ string) map[string]Resource {
	out := make(map[string]Resource)
	for id, r := range t.Resources {
		if r.Type == typ {
			out[id] = r
		}
	}
	return out
}

// LogicalIDs returns the declared logical IDs in sorted order.
func (t *Template) LogicalIDs() []string {
	ids := make([]string, 0, len(t.Resources))
	for id := range t.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JSON renders the template as indented JSON. Map keys are emitted in sorted
// order so output is stable across runs.
func (t *Template) JSON() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// YAML renders the template as YAML.
func (t *Template) YAML() ([]byte, error) {
	return yaml.Marshal(t)
}

var subRefRe = regexp.MustCompile(`\$\{([^!}][^}]*)\}`)

// Validate checks that every Ref, Fn::GetAtt and Fn::Sub reference points at
// a declared resource, a parameter or a pseudo parameter.
func (t *Template) Validate() error {
	var errs []string
	check := func(where, name string) {
		if strings.HasPrefix(name, "AWS::") {
			return
		}
		if _, ok := t.Resources[name]; ok {
			return
		}
		if _, ok := t.Parameters[name]; ok {
			return
		}
		errs = append(errs, fmt.Sprintf("%s: unresolved reference %q", where, name))
	}

	var walk func(where string, v any)
	walk = func(where string, v any) {
		switch x := v.(type) {
		case map[string]any:
			for k, inner := range x {
				switch k {
				case "Ref":
					if s, ok := inner.(string); ok {
						check(where, s)
					}
				case "Fn::GetAtt":
					if parts, ok := inner.([]string); ok && len(parts) == 2 {
						check(where, parts[0])
					}
				case "Fn::Sub":
					if s, ok := inner.(string); ok {
						for _, m := range subRefRe.FindAllStringSubmatch(s, -1) {
							name, _, _ := strings.Cut(m[1], ".")
							check(where, name)
						}
					}
				}
				walk(where, inner)
			}
		case []any:
			for _, inner := range x {
				walk(where, inner)
			}
		case []map[string]any:
			for _, inner := range x {
				walk(where, inner)
			}
		}
	}

	for _, id := range t.LogicalIDs() {
		r := t.Resources[id]
		if r.Type == "" {
			errs = append(errs, fmt.Sprintf("%s: missing type", id))
		}
		for _, dep := range r.DependsOn {
			check(id, dep)
		}
		walk(id, r.Properties)
	}
	for name, o := range t.Outputs {
		walk("Outputs."+name, o.Value)
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid template: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Ref returns a Ref intrinsic.
func Ref(name string) map[string]any {
	return map[string]any{"Ref": name}
}

// GetAtt returns an Fn::GetAtt intrinsic.
func GetAtt(logicalID, attr string) map[string]any {
	return map[string]any{"Fn::GetAtt": []string{logicalID, attr}}
}

// Sub returns an Fn::Sub intrinsic.
func Sub(s string) map[string]any {
	return map[string]any{"Fn::Sub": s}
}

// Base64 returns an Fn::Base64 intrinsic.
func Base64(v any) map[string]any {
	return map[string]any{"Fn::Base64": v}
}

// PartitionARN returns an ARN for an AWS managed IAM policy in the stack's
// partition.
func PartitionARN(policy string) map[string]any {
	return Sub("arn:${AWS::Partition}:iam::aws:policy/" + policy)
}
