package tools

import (
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldIssue is a single argument validation issue. Field is a JSON pointer
// into the arguments and Constraint is the failing schema keyword (required,
// type, enum, ...).
type FieldIssue struct {
	Field      string
	Constraint string
}

// fieldIssues flattens a schema validation error into its leaf issues.
func fieldIssues(err error) []FieldIssue {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []FieldIssue{{Field: "/", Constraint: "invalid"}}
	}
	var out []FieldIssue
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			issue := FieldIssue{Field: "/" + strings.Join(v.InstanceLocation, "/")}
			if v.ErrorKind != nil {
				issue.Constraint = strings.Join(v.ErrorKind.KeywordPath(), "/")
			}
			out = append(out, issue)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// describeIssues renders issues as "field: constraint" pairs.
func describeIssues(issues []FieldIssue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.Constraint == "" {
			parts = append(parts, is.Field)
			continue
		}
		parts = append(parts, is.Field+": "+is.Constraint)
	}
	return strings.Join(parts, "; ")
}
