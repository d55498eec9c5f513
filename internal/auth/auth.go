// Package auth checks the credential a client presents at registration.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator accepts or refuses one client credential.
type Validator interface {
	Validate(clientID, credential string) error
}

// StaticCredential accepts any client presenting one shared secret.
// It is intended only for development and tests.
type StaticCredential struct {
	Credential string
}

func (s StaticCredential) Validate(_ string, credential string) error {
	return compare(s.Credential, credential)
}

// Credentials maps client ids to their expected credential.
type Credentials map[string]string

func (c Credentials) Validate(clientID, credential string) error {
	want, ok := c[clientID]
	if !ok {
		// Compare anyway so unknown ids take the same path.
		_ = compare("x", credential)
		return ErrUnauthorized
	}
	return compare(want, credential)
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(clientID, credential string) error

func (f FuncValidator) Validate(clientID, credential string) error {
	return f(clientID, credential)
}

func compare(want, got string) error {
	if want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
