package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"

	"permgate/internal/metadata"
)

// KeyMatcher decides whether a granted tree key covers a resource id at an
// individual layer.
type KeyMatcher func(key, resourceID string) bool

// RegexKeyMatch treats the granted key as an unanchored pattern and matches
// it against the resource id. Keys that do not compile never match.
func RegexKeyMatch(key, resourceID string) bool {
	if resourceID == "" {
		return false
	}
	re := keyPatterns.get(key)
	return re != nil && re.MatchString(resourceID)
}

// maxCachedPatterns bounds the pattern cache; granted keys arrive in tokens.
const maxCachedPatterns = 4096

// patternCache holds compiled granted keys. A key that does not compile is
// stored as nil.
type patternCache struct {
	m sync.Map
	n atomic.Int64
}

var keyPatterns = &patternCache{}

func (c *patternCache) get(key string) *regexp.Regexp {
	if v, ok := c.m.Load(key); ok {
		return v.(*regexp.Regexp)
	}
	re, _ := regexp.Compile(key)
	if c.n.Load() < maxCachedPatterns {
		if _, loaded := c.m.LoadOrStore(key, re); !loaded {
			c.n.Add(1)
		}
	}
	return re
}

// LiteralKeyMatch requires the granted key to equal the resource id.
func LiteralKeyMatch(key, resourceID string) bool {
	return resourceID != "" && key == resourceID
}

// KeyMatcherFor maps the permissions.key_match setting to a matcher.
func KeyMatcherFor(mode string) (KeyMatcher, error) {
	switch mode {
	case "", "regex":
		return RegexKeyMatch, nil
	case "literal":
		return LiteralKeyMatch, nil
	default:
		return nil, fmt.Errorf("unknown key match mode %q", mode)
	}
}

// Verifier computes which required permissions a granted tree lacks.
// It holds no per-call state and never modifies the trees it is given, so a
// single Verifier is shared by all requests.
type Verifier struct {
	match  KeyMatcher
	logger *slog.Logger
}

type VerifierOption func(*Verifier)

func WithKeyMatcher(m KeyMatcher) VerifierOption {
	return func(v *Verifier) { v.match = m }
}

func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{match: RegexKeyMatch}
	for _, o := range opts {
		o(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

var defaultVerifier = NewVerifier()

// MissingPermissions runs the default verifier.
func MissingPermissions(granted, required *metadata.Node, user *metadata.UserContext, resourceID string) []Missing {
	return defaultVerifier.MissingPermissions(granted, required, user, resourceID)
}

// Check verifies the user's own grants against required and returns the
// decision object.
func (v *Verifier) Check(user *metadata.UserContext, required *metadata.Node, resourceID string) Decision {
	return Decide(v.MissingPermissions(user.Grants(), required, user, resourceID))
}

// MissingPermissions returns the part of required not covered by granted.
// An empty result means the requirement is satisfied.
//
// Precedence at each level: a custom check on the required node, then the
// administrator "all" grant, then pattern-matched resource keys for an
// individual layer, then the per-entity action diff.
func (v *Verifier) MissingPermissions(granted, required *metadata.Node, user *metadata.UserContext, resourceID string) []Missing {
	if required == nil || (required.Len() == 0 && !required.HasCheck()) {
		return nil
	}
	if required.HasCheck() {
		return v.runCheck(required, user, resourceID)
	}
	if granted == nil {
		return []Missing{{Tree: required}}
	}
	if scoped, ok := required.Child(metadata.KeywordIndividual); ok {
		out := v.individual(granted, scoped, user, resourceID)
		if siblings := required.Without(metadata.KeywordIndividual); siblings.Len() > 0 {
			out = append(out, v.perEntity(granted, siblings, user, resourceID)...)
		}
		return out
	}
	if all, ok := granted.Child(metadata.KeywordAll); ok {
		if len(v.MissingPermissions(all, required, user, resourceID)) == 0 {
			return nil
		}
	}
	return v.perEntity(granted, required, user, resourceID)
}

// individual matches a requirement scoped to the resource being acted on.
// An "all" grant stands in for every resource. Otherwise every granted key
// matching the resource id is checked.
//
// With no "all" grant and no matching key the whole requirement is reported
// missing under the resource id. An unmatched individual layer denies; it
// never yields an empty result.
func (v *Verifier) individual(granted, required *metadata.Node, user *metadata.UserContext, resourceID string) []Missing {
	if required.HasCheck() {
		return v.runCheck(required, user, resourceID)
	}

	if all, ok := granted.Child(metadata.KeywordAll); ok {
		if m := v.MissingPermissions(all, required, user, resourceID); len(m) > 0 {
			return []Missing{{Key: metadata.KeywordAll, Nested: m}}
		}
		return nil
	}

	var out []Missing
	matched := false
	for _, key := range granted.Keys() {
		if metadata.IsReserved(key) || !v.match(key, resourceID) {
			continue
		}
		matched = true
		child, _ := granted.Child(key)
		if m := v.MissingPermissions(child, required, user, resourceID); len(m) > 0 {
			out = append(out, Missing{Key: key, Nested: m})
		}
	}
	if !matched {
		key := resourceID
		if key == "" {
			key = metadata.KeywordIndividual
		}
		return []Missing{{Key: key, Tree: required}}
	}
	return out
}

// perEntity diffs the action list of every required key against the same
// key in granted, then descends into the remaining sub-trees. Both results
// are reported side by side.
func (v *Verifier) perEntity(granted, required *metadata.Node, user *metadata.UserContext, resourceID string) []Missing {
	var out []Missing
	for _, key := range required.Keys() {
		req, _ := required.Child(key)
		if req == nil {
			continue
		}
		grant, _ := granted.Child(key)

		if actions := missingActions(req.Permissions, grant); len(actions) > 0 {
			out = append(out, Missing{Key: key, Actions: actions})
		}
		out = append(out, v.MissingPermissions(grant.Rest(), req.Rest(), user, resourceID)...)
	}
	return out
}

func missingActions(required []string, grant *metadata.Node) []string {
	var out []string
	seen := make(map[string]bool, len(required))
	for _, a := range required {
		if seen[a] {
			continue
		}
		seen[a] = true
		if !grant.HasAction(a) {
			out = append(out, a)
		}
	}
	return out
}

// runCheck evaluates a custom check. A check that is unbound, errors or
// panics denies.
func (v *Verifier) runCheck(required *metadata.Node, user *metadata.UserContext, resourceID string) (out []Missing) {
	deny := []Missing{{Tree: required}}
	if required.Check == nil {
		v.logger.Warn("custom check declared but not bound; denying", "expression", required.CheckExpr)
		return deny
	}

	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("custom check panicked; denying", "panic", fmt.Sprint(r), "resource_id", resourceID)
			out = deny
		}
	}()

	ok, err := required.Check(metadata.CheckContext{
		CurrentUser: user,
		Required:    required,
		ResourceID:  resourceID,
	})
	if err != nil {
		v.logger.Error("custom check failed; denying", "error", err, "resource_id", resourceID)
		return deny
	}
	if !ok {
		return deny
	}
	return nil
}
