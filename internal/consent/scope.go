package consent

import (
	"fmt"
	"regexp"
	"sort"
)

// DefaultScopes are the vault data domains a token can grant.
var DefaultScopes = []string{
	"vault.read.portfolio",
	"vault.write.portfolio",
	"vault.read.profile",
	"vault.write.profile",
	"vault.read.food",
	"vault.write.food",
	"vault.read.professional",
	"vault.write.professional",
}

var scopePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Scopes is the registry of grantable scope names. Scopes are matched
// exactly; there is no wildcard or hierarchy.
type Scopes struct {
	known map[string]struct{}
}

func NewScopes(names ...string) (*Scopes, error) {
	if len(names) == 0 {
		names = DefaultScopes
	}
	s := &Scopes{known: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if !scopePattern.MatchString(n) {
			return nil, fmt.Errorf("consent: invalid scope name %q", n)
		}
		s.known[n] = struct{}{}
	}
	return s, nil
}

func (s *Scopes) Known(name string) bool {
	_, ok := s.known[name]
	return ok
}

func (s *Scopes) List() []string {
	out := make([]string, 0, len(s.known))
	for n := range s.known {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Normalize returns the sorted, de-duplicated set. An empty request or any
// unknown name is an error.
func (s *Scopes) Normalize(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, ErrNoScopes
	}
	set := make(map[string]struct{}, len(in))
	for _, n := range in {
		if !s.Known(n) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, n)
		}
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Covers reports whether every required scope is in granted.
func Covers(granted, required []string) bool {
	have := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		have[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
