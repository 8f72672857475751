// Package auth resolves API keys to caller identities.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleQuery = "sql_query"
	RoleJobs  = "sql_jobs"
)

// Identity is the caller behind an API key. Owner scopes job visibility.
type Identity struct {
	Owner string
	Roles []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type staticKey struct {
	digest   [sha256.Size]byte
	identity Identity
}

// StaticAPIKeyValidator holds keys configured at startup. Keys are stored as
// digests and compared in constant time.
type StaticAPIKeyValidator struct {
	keys []staticKey
}

// NewStaticAPIKeyValidator parses comma separated "key:owner:role|role"
// entries. An empty list yields a validator that rejects every key.
func NewStaticAPIKeyValidator(list string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, err := parseStaticEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("static key entry %q: %w", entry, err)
		}
		digest := sha256.Sum256([]byte(key))
		if slices.ContainsFunc(validator.keys, func(k staticKey) bool { return k.digest == digest }) {
			return nil, fmt.Errorf("static key entry %q: duplicate key", entry)
		}
		validator.keys = append(validator.keys, staticKey{digest: digest, identity: identity})
	}
	return validator, nil
}

func parseStaticEntry(entry string) (string, Identity, error) {
	key, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return "", Identity{}, fmt.Errorf("expected key:owner:role|role")
	}
	owner, roleList, ok := strings.Cut(rest, ":")
	if !ok || strings.Contains(roleList, ":") {
		return "", Identity{}, fmt.Errorf("expected key:owner:role|role")
	}
	key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
	if key == "" || owner == "" {
		return "", Identity{}, fmt.Errorf("key and owner must not be empty")
	}

	var roles []string
	for _, role := range strings.Split(roleList, "|") {
		if role = strings.TrimSpace(role); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("at least one role is required")
	}
	slices.Sort(roles)
	return key, Identity{Owner: owner, Roles: roles}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	digest := sha256.Sum256([]byte(apiKey))
	var found Identity
	matched := false
	for _, candidate := range v.keys {
		if subtle.ConstantTimeCompare(candidate.digest[:], digest[:]) == 1 {
			found, matched = candidate.identity, true
		}
	}
	return found, matched
}
