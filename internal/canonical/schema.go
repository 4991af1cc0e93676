package canonical

import (
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

var (
	// ErrUnknownField is returned for fields a strict schema does not define.
	ErrUnknownField = eris.New("canonical: unknown field")
	// ErrInvalidValue is returned when a value fails its field definition.
	ErrInvalidValue = eris.New("canonical: invalid value")
)

// Field data types.
const (
	TypeText    = "text"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeMoney   = "money"
	TypeDate    = "date"
	TypeEnum    = "enum"
)

var moneyPattern = regexp.MustCompile(`^-?\d+(\.\d{1,2})?$`)

// FieldDef defines one canonical field.
type FieldDef struct {
	Kind           model.EntityKind `yaml:"kind" json:"kind"`
	Name           string           `yaml:"name" json:"name"`
	DataType       string           `yaml:"data_type" json:"data_type"`
	MaxLength      int              `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Validation     string           `yaml:"validation,omitempty" json:"validation,omitempty"`
	Values         []string         `yaml:"values,omitempty" json:"values,omitempty"`
	ReviewRequired bool             `yaml:"review_required,omitempty" json:"review_required,omitempty"`

	validationRegex *regexp.Regexp
}

// Schema is an indexed collection of field definitions.
type Schema struct {
	// Strict rejects fields with no definition.
	Strict bool
	Fields []FieldDef

	byKey map[string]*FieldDef
}

type schemaFile struct {
	Strict bool       `yaml:"strict"`
	Fields []FieldDef `yaml:"fields"`
}

// NewSchema indexes fields and pre-compiles their validation patterns.
func NewSchema(fields []FieldDef, strict bool) (*Schema, error) {
	s := &Schema{
		Strict: strict,
		Fields: fields,
		byKey:  make(map[string]*FieldDef, len(fields)),
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		if !f.Kind.Valid() {
			return nil, eris.Errorf("canonical: field %q has unknown kind %q", f.Name, f.Kind)
		}
		if f.Name == "" || f.Name == model.WildcardField {
			return nil, eris.Errorf("canonical: invalid field name %q for %s", f.Name, f.Kind)
		}
		if f.DataType == "" {
			f.DataType = TypeText
		}
		if f.Validation != "" {
			re, err := regexp.Compile(f.Validation)
			if err != nil {
				return nil, eris.Wrapf(err, "canonical: compile validation for %s.%s", f.Kind, f.Name)
			}
			f.validationRegex = re
		}
		s.byKey[key(f.Kind, f.Name)] = f
	}
	return s, nil
}

// LoadSchema reads a YAML schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "canonical: read schema %s", path)
	}
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, eris.Wrapf(err, "canonical: parse schema %s", path)
	}
	return NewSchema(sf.Fields, sf.Strict)
}

// Lookup returns the definition for kind.name, or nil.
func (s *Schema) Lookup(kind model.EntityKind, name string) *FieldDef {
	if s == nil {
		return nil
	}
	return s.byKey[key(kind, name)]
}

// ReviewRequired reports whether the schema flags the field for mandatory human review.
func (s *Schema) ReviewRequired(kind model.EntityKind, name string) bool {
	f := s.Lookup(kind, name)
	return f != nil && f.ReviewRequired
}

// ValidateField checks that the field exists for the kind.
func (s *Schema) ValidateField(kind model.EntityKind, name string) error {
	if s == nil || !s.Strict {
		return nil
	}
	if s.Lookup(kind, name) == nil {
		return eris.Wrapf(ErrUnknownField, "%s.%s", kind, name)
	}
	return nil
}

// Validate checks a proposed value against its field definition. A nil value
// clears the field and is always accepted for defined fields.
func (s *Schema) Validate(kind model.EntityKind, name string, value *string) error {
	if err := s.ValidateField(kind, name); err != nil {
		return err
	}
	f := s.Lookup(kind, name)
	if f == nil || value == nil {
		return nil
	}
	v := *value

	if f.MaxLength > 0 && len([]rune(v)) > f.MaxLength {
		return eris.Wrapf(ErrInvalidValue, "%s.%s exceeds %d characters", kind, name, f.MaxLength)
	}

	switch f.DataType {
	case TypeInteger:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return eris.Wrapf(ErrInvalidValue, "%s.%s: %q is not an integer", kind, name, v)
		}
	case TypeNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return eris.Wrapf(ErrInvalidValue, "%s.%s: %q is not a number", kind, name, v)
		}
	case TypeMoney:
		if !moneyPattern.MatchString(v) {
			return eris.Wrapf(ErrInvalidValue, "%s.%s: %q is not a money amount", kind, name, v)
		}
	case TypeDate:
		if _, err := time.Parse(time.DateOnly, v); err != nil {
			return eris.Wrapf(ErrInvalidValue, "%s.%s: %q is not a YYYY-MM-DD date", kind, name, v)
		}
	case TypeEnum:
		if !slices.Contains(f.Values, v) {
			return eris.Wrapf(ErrInvalidValue, "%s.%s: %q is not one of %v", kind, name, v, f.Values)
		}
	}

	if f.validationRegex != nil && !f.validationRegex.MatchString(v) {
		return eris.Wrapf(ErrInvalidValue, "%s.%s: %q does not match %s", kind, name, v, f.Validation)
	}
	return nil
}

func key(kind model.EntityKind, name string) string {
	return string(kind) + "." + name
}
