// Package identity validates the identifiers callers present to the vault.
package identity

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/371-Minds/credvault/pkg/schema"
)

const (
	maxAgentIDLen = 128
	maxNameLen    = 256
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@/-]*$`)

// ValidateAgentID checks that id is usable as an agent identifier: non-empty,
// at most 128 characters, starting alphanumeric and otherwise limited to
// letters, digits and _ . : @ / -.
func ValidateAgentID(id string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if len(id) > maxAgentIDLen {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"agent id exceeds %d characters", maxAgentIDLen)
	}
	if !agentIDPattern.MatchString(id) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent id %q", id)
	}
	return nil
}

// ValidateCredentialName checks a human label for a credential.
func ValidateCredentialName(name string) error {
	if strings.TrimSpace(name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential name is required")
	}
	if len(name) > maxNameLen {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"credential name exceeds %d characters", maxNameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return schema.NewError(schema.ErrCodeValidation,
				"credential name must not contain control characters")
		}
	}
	return nil
}
