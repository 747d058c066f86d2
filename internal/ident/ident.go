// Package ident issues the identifiers and link tokens used across the
// service. Time is injected separately as a clockwork.Clock.
package ident

import "github.com/google/uuid"

type Generator interface {
	NewID() string
	NewToken() string
}

// UUID issues random (version 4) UUIDs for both ids and tokens.
type UUID struct{}

func (UUID) NewID() string {
	return uuid.NewString()
}

func (UUID) NewToken() string {
	return uuid.NewString()
}

func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// OrDefault returns g, or UUID when g is nil.
func OrDefault(g Generator) Generator {
	if g == nil {
		return UUID{}
	}
	return g
}
