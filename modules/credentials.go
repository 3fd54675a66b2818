package modules

import "github.com/google/uuid"

// NewClientID issues the identifier for a client the panel has never seen.
func NewClientID() string {
	return uuid.NewString()
}
