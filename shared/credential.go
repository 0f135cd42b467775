package shared

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Role is which side of a consultation a party plays.
type Role string

const (
	RoleUser   Role = "user"
	RoleDoctor Role = "doctor"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleDoctor
}

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleDoctor {
		return RoleUser
	}
	return RoleDoctor
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Identity is the local party as described by its bearer credential.
type Identity struct {
	ID   string `json:"id" yaml:"id"`
	Role Role   `json:"role" yaml:"role"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type credentialClaims struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// ParseCredential reads the identity claims of a role-scoped token without
// verifying its signature; verification belongs to the relay's middleware.
func ParseCredential(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoCredential
	}
	claims := new(credentialClaims)
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parsing credential: %w", err)
	}
	id := claims.ID
	if id == "" {
		id = claims.UserID
	}
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Identity{}, fmt.Errorf("parsing credential: missing id claim")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing credential: %w", err)
	}
	return Identity{ID: id, Role: role, Name: claims.Name}, nil
}
