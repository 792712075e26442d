package form

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType is the value kind the backend assigns to a form field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldPhone  FieldType = "phone"
	FieldDate   FieldType = "date"
	FieldNumber FieldType = "number"
)

var (
	ErrTitleRequired   = errors.New("form title is required")
	ErrNoFields        = errors.New("form has no fields")
	ErrMissingRequired = errors.New("required fields missing")
)

// Field describes one input of a form.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Form is the definition the voice agent fills in.
type Form struct {
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// Known reports whether t is one of the supported field types.
func (t FieldType) Known() bool {
	switch t {
	case FieldString, FieldPhone, FieldDate, FieldNumber:
		return true
	default:
		return false
	}
}

// InputKind returns the presentation used when the field is shown for review.
func (t FieldType) InputKind() string {
	switch t {
	case FieldPhone:
		return "tel"
	case FieldDate:
		return "date"
	case FieldNumber:
		return "number"
	default:
		return "text"
	}
}

// Validate checks a form produced by the form builder before it is saved.
func (f Form) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return ErrTitleRequired
	}
	if len(f.Fields) == 0 {
		return ErrNoFields
	}

	seen := make(map[string]struct{}, len(f.Fields))
	for i, field := range f.Fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return fmt.Errorf("field %d: name is required", i+1)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("field %q: duplicate name", name)
		}
		seen[name] = struct{}{}
		if !field.Type.Known() {
			return fmt.Errorf("field %q: unsupported type %q", name, field.Type)
		}
	}
	return nil
}

// RequiredFields lists the names of required fields in form order.
func (f Form) RequiredFields() []string {
	names := make([]string, 0, len(f.Fields))
	for _, field := range f.Fields {
		if field.Required {
			names = append(names, field.Name)
		}
	}
	return names
}

// MissingRequired returns the required fields that have no usable value in data.
func (f Form) MissingRequired(data map[string]any) []string {
	var missing []string
	for _, name := range f.RequiredFields() {
		if isBlank(data[name]) {
			missing = append(missing, name)
		}
	}
	return missing
}

// CheckRequired wraps ErrMissingRequired with the names of the missing fields.
func (f Form) CheckRequired(data map[string]any) error {
	missing := f.MissingRequired(data)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
}

// Clone returns a deep copy so callers cannot mutate a cached form.
func (f Form) Clone() Form {
	return Form{Title: f.Title, Fields: append([]Field(nil), f.Fields...)}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
