package validation

import (
	"fmt"
	"net/mail"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/doorman-project/doorman/internal/errors"
)

// Compiled is a parsed schema of either dialect, ready to apply.
type Compiled struct {
	fields Schema
	js     *jsonschema.Schema
}

func compileJSONSchema(raw string) (*Compiled, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("validation: bad json schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline.json", doc); err != nil {
		return nil, fmt.Errorf("validation: bad json schema: %w", err)
	}
	sch, err := c.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("validation: bad json schema: %w", err)
	}
	return &Compiled{js: sch}, nil
}

// Validate applies the schema to a decoded request body. Violations
// return ErrValidationFailed carrying the offending field path.
func (c *Compiled) Validate(body map[string]any) error {
	if c.js != nil {
		if err := c.js.Validate(map[string]any(body)); err != nil {
			return errors.ErrValidationFailed.WithDetails(err.Error())
		}
		return nil
	}
	for path, field := range c.fields {
		segs, err := parsePath(path)
		if err != nil {
			return errors.Wrap(err, 500, "ISE001", "schema corrupt")
		}
		val, present := lookup(body, segs)
		if !present {
			if field.Required {
				return fail(path, "required field missing")
			}
			continue
		}
		if reason := checkValue(val, field); reason != "" {
			return fail(path, reason)
		}
	}
	return nil
}

func fail(path, reason string) error {
	return errors.ErrValidationFailed.WithDetails(path + ": " + reason)
}

// checkValue applies one descriptor to one value, returning "" on
// success or a reason string.
func checkValue(val any, f Field) string {
	switch f.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return "expected string"
		}
		if f.Min != nil && float64(len(s)) < *f.Min {
			return fmt.Sprintf("shorter than %v", *f.Min)
		}
		if f.Max != nil && float64(len(s)) > *f.Max {
			return fmt.Sprintf("longer than %v", *f.Max)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil || !re.MatchString(s) {
				return "pattern mismatch"
			}
		}
		if f.Format != "" {
			if reason := checkFormat(s, f.Format); reason != "" {
				return reason
			}
		}
	case TypeNumber:
		n, ok := val.(float64)
		if !ok {
			return "expected number"
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("below minimum %v", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("above maximum %v", *f.Max)
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return "expected boolean"
		}
	case TypeArray:
		arr, ok := val.([]any)
		if !ok {
			return "expected array"
		}
		if f.Min != nil && float64(len(arr)) < *f.Min {
			return fmt.Sprintf("fewer than %v items", *f.Min)
		}
		if f.Max != nil && float64(len(arr)) > *f.Max {
			return fmt.Sprintf("more than %v items", *f.Max)
		}
		if f.ArrayItems != nil {
			for i, item := range arr {
				if reason := checkValue(item, *f.ArrayItems); reason != "" {
					return fmt.Sprintf("[%d]: %s", i, reason)
				}
			}
		}
	case TypeObject:
		obj, ok := val.(map[string]any)
		if !ok {
			return "expected object"
		}
		for sub, nf := range f.Nested {
			segs, err := parsePath(sub)
			if err != nil {
				return "schema corrupt"
			}
			nval, present := lookup(obj, segs)
			if !present {
				if nf.Required {
					return sub + ": required field missing"
				}
				continue
			}
			if reason := checkValue(nval, nf); reason != "" {
				return sub + ": " + reason
			}
		}
	}
	if len(f.Enum) > 0 && !enumContains(f.Enum, val) {
		return "value not in enum"
	}
	return ""
}

func enumContains(enum []any, val any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, val) {
			return true
		}
	}
	return false
}

func checkFormat(s, format string) string {
	switch format {
	case FormatEmail:
		if _, err := mail.ParseAddress(s); err != nil {
			return "invalid email"
		}
	case FormatURL:
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "invalid url"
		}
	case FormatDate:
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return "invalid date"
		}
	case FormatDateTime:
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "invalid datetime"
		}
	case FormatUUID:
		if _, err := uuid.Parse(s); err != nil {
			return "invalid uuid"
		}
	}
	return ""
}
