// Package models holds the backend models whose JSON Schemas feed the generated bindings.
package models

import "github.com/invopop/jsonschema"

const (
	// UUIDPattern matches version 4 UUIDs.
	UUIDPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`
	// UsernamePattern matches valid user names.
	UsernamePattern = `^[a-zA-Z0-9_]{1,32}$`

	// PasswordMinLength is the minimum length of a password.
	PasswordMinLength = 5
	// PasswordMaxLength is the maximum length of a password.
	PasswordMaxLength = 1024
)

// User is a registered user of the application.
type User struct {
	ID       string `json:"id" jsonschema:"description=Unique user identifier"`
	Username string `json:"username" jsonschema:"description=User name"`
	Password string `json:"password" jsonschema:"description=User password"`
	Email    string `json:"email" jsonschema:"format=email,description=User email address"`
}

// JSONSchemaExtend adds the validation rules of User which can't be expressed as struct tags.
func (User) JSONSchemaExtend(s *jsonschema.Schema) {
	s.Title = "User"
	if p, ok := s.Properties.Get("id"); ok {
		p.Pattern = UUIDPattern
	}
	if p, ok := s.Properties.Get("username"); ok {
		p.Pattern = UsernamePattern
	}
	if p, ok := s.Properties.Get("password"); ok {
		minLength, maxLength := uint64(PasswordMinLength), uint64(PasswordMaxLength)
		p.MinLength = &minLength
		p.MaxLength = &maxLength
	}
}
