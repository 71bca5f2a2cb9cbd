package domain

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Input is the raw request payload a rule set is applied to.
type Input map[string]any

// ValidationErrors maps a field name to every message produced for it.
type ValidationErrors map[string][]string

func (e ValidationErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return "invalid fields: " + strings.Join(fields, ", ")
}

func (e ValidationErrors) add(field, msg string) {
	e[field] = append(e[field], msg)
}

// TaskFields are the normalized user editable fields of a task.
type TaskFields struct {
	Name        string
	Description string
}

// UpdateFields is the normalized payload of an update request.
type UpdateFields struct {
	TaskFields
	SecureToken string
}

type rule struct {
	tag     string
	message string
}

type fieldRules struct {
	field    string
	required string
	str      string
	checks   []rule
}

var validate = validator.New()

var (
	nameRules = fieldRules{
		field:    "name",
		required: "Please enter a name.",
		str:      "The name field must be a string.",
		checks: []rule{
			{tag: "min=3", message: "Name must be at least 3 characters long."},
			{tag: "max=100", message: "The name field must not be greater than 100 characters."},
		},
	}
	descriptionRules = fieldRules{
		field:    "description",
		required: "Please enter a description.",
		str:      "The description field must be a string.",
		checks: []rule{
			{tag: "min=10", message: "Description must be at least 10 characters long."},
			{tag: "max=5000", message: "The description field must not be greater than 5000 characters."},
		},
	}
	tokenRules = fieldRules{
		field:    "secure_token",
		required: "The secure token field is required.",
		str:      "The secure token field must be a string.",
	}
)

// ValidateCreate applies the create rule set. Any secure_token in the input
// is ignored; the store always generates one.
func ValidateCreate(in Input) (TaskFields, error) {
	errs := ValidationErrors{}
	fields := TaskFields{
		Name:        nameRules.apply(in, errs),
		Description: descriptionRules.apply(in, errs),
	}
	if len(errs) > 0 {
		return TaskFields{}, errs
	}
	return fields, nil
}

// ValidateUpdate applies the update rule set.
func ValidateUpdate(in Input) (UpdateFields, error) {
	errs := ValidationErrors{}
	fields := UpdateFields{
		TaskFields: TaskFields{
			Name:        nameRules.apply(in, errs),
			Description: descriptionRules.apply(in, errs),
		},
		SecureToken: tokenRules.apply(in, errs),
	}
	if len(errs) > 0 {
		return UpdateFields{}, errs
	}
	return fields, nil
}

// ValidateDestroy checks that a secure token was supplied and returns it.
func ValidateDestroy(in Input) (string, error) {
	errs := ValidationErrors{}
	token := tokenRules.apply(in, errs)
	if len(errs) > 0 {
		return "", errs
	}
	return token, nil
}

// apply records every failing rule for the field and returns the trimmed
// value. A missing value only reports the required message and a non-string
// value only reports the string message.
func (r fieldRules) apply(in Input, errs ValidationErrors) string {
	raw, ok := in[r.field]
	if !ok || isEmpty(raw) {
		errs.add(r.field, r.required)
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		errs.add(r.field, r.str)
		return ""
	}
	s = strings.TrimSpace(s)
	if err := validate.Var(s, "required"); err != nil {
		errs.add(r.field, r.required)
		return ""
	}
	for _, c := range r.checks {
		if err := validate.Var(s, c.tag); err != nil {
			errs.add(r.field, c.message)
		}
	}
	return s
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
