package manifest

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrInvalidConstraint is wrapped by every constraint parse failure.
var ErrInvalidConstraint = errors.New("invalid version constraint")

// CanonicalVersion converts a version such as "1.2", "v1.2.3" or
// "1.2.3-rc.1" into the "vMAJOR.MINOR.PATCH[-PRE]" form used for
// comparisons. It reports false when v is not a semantic version.
func CanonicalVersion(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return semver.Canonical(v), true
}

// CompareVersions compares two semantic versions using semver precedence:
// pre-release versions sort below their release. Invalid versions sort
// below every valid version.
func CompareVersions(a, b string) int {
	ca, okA := CanonicalVersion(a)
	cb, okB := CanonicalVersion(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	return semver.Compare(ca, cb)
}

// Clause is a single "op version" term of a constraint.
type Clause struct {
	Op      string
	Version string
	// parts is the number of numeric components written in Version; ~=
	// uses it to decide which prefix must match.
	parts int
}

func (c Clause) String() string { return c.Op + c.Version }

// Constraint is a comma-separated AND of clauses, e.g. ">=1.0,<2.0".
type Constraint struct {
	raw     string
	clauses []Clause
}

// String returns the constraint as written.
func (c *Constraint) String() string { return c.raw }

// Clauses returns the parsed clauses.
func (c *Constraint) Clauses() []Clause {
	out := make([]Clause, len(c.clauses))
	copy(out, c.clauses)
	return out
}

// operators is ordered so that two-character operators match first.
var operators = []string{">=", "<=", "==", "!=", "~=", ">", "<"}

// ParseConstraint parses a constraint string. Supported operators are
// >=, <=, ==, !=, ~=, > and <; a bare version means ==.
func ParseConstraint(s string) (*Constraint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty constraint", ErrInvalidConstraint)
	}
	c := &Constraint{raw: raw}
	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, fmt.Errorf("%w: empty clause in %q", ErrInvalidConstraint, raw)
		}
		op := "=="
		for _, candidate := range operators {
			if strings.HasPrefix(term, candidate) {
				op = candidate
				term = strings.TrimSpace(strings.TrimPrefix(term, candidate))
				break
			}
		}
		canon, ok := CanonicalVersion(term)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a semantic version", ErrInvalidConstraint, term)
		}
		parts := countParts(term)
		if op == "~=" && parts < 2 {
			return nil, fmt.Errorf("%w: ~= requires at least major.minor, got %q", ErrInvalidConstraint, term)
		}
		c.clauses = append(c.clauses, Clause{Op: op, Version: canon, parts: parts})
	}
	return c, nil
}

func countParts(v string) int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	return strings.Count(v, ".") + 1
}

// Check reports whether version satisfies every clause. Invalid versions
// never satisfy a constraint.
func (c *Constraint) Check(version string) bool {
	v, ok := CanonicalVersion(version)
	if !ok {
		return false
	}
	for _, cl := range c.clauses {
		if !cl.check(v) {
			return false
		}
	}
	return true
}

func (cl Clause) check(v string) bool {
	cmp := semver.Compare(v, cl.Version)
	switch cl.Op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "~=":
		if cmp < 0 {
			return false
		}
		// ~=1.4 pins the major; ~=1.4.2 pins major.minor.
		if cl.parts == 2 {
			return semver.Major(v) == semver.Major(cl.Version)
		}
		return semver.MajorMinor(v) == semver.MajorMinor(cl.Version)
	}
	return false
}

// CheckVersion checks if a version string satisfies a constraint string.
func CheckVersion(version, constraint string) (bool, error) {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(version), nil
}
