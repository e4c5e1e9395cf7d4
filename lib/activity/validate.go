// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("activity stream schema validation failed")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names so errors read the way the
	// client wrote the message.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateMessage checks the fields every routed message needs:
// context, type, and actor.id.
func ValidateMessage(s *Stream) error {
	if s == nil {
		return fmt.Errorf("%w: message is empty", ErrInvalid)
	}
	return describe(validate.Struct(s))
}

// ValidateCredentials checks a credentials submission: a valid message
// whose type is "credentials" and which carries an object.
func ValidateCredentials(s *Stream) error {
	if err := ValidateMessage(s); err != nil {
		return err
	}
	if s.Type != CredentialsType {
		return fmt.Errorf("%w: credentials type must be %q, got %q", ErrInvalid, CredentialsType, s.Type)
	}
	if s.Object == nil {
		return fmt.Errorf("%w: credentials object is required", ErrInvalid)
	}
	return nil
}

// ValidateObject checks an activity object registration. Only the id
// is required; type and name are optional descriptive fields.
func ValidateObject(o *Object) error {
	if o == nil {
		return fmt.Errorf("%w: activity object is empty", ErrInvalid)
	}
	return describe(validate.Struct(o))
}

// ValidateFields decodes fields into target (a pointer to a struct
// with validate tags) and validates it. Platforms declare their
// credentials schema this way.
func ValidateFields(fields map[string]any, target any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return describe(validate.Struct(target))
}

// describe converts validator errors into a single ErrInvalid naming
// each failing field by its JSON path.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	problems := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		path := fieldError.Namespace()
		if _, rest, found := strings.Cut(path, "."); found {
			path = rest
		}
		switch fieldError.Tag() {
		case "required":
			problems = append(problems, path+" is required")
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", path, fieldError.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, ", "))
}
