// Package version implements the structured Streaming Board version number
// algebra: concrete versions, wildcard patterns, and version ranges.
package version

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// wildcard marks a component given as "*" in a pattern.
const wildcard = -1

// VersionNumber is a structured version number with mandatory major, minor
// and patch components and an optional beta number or hotfix letter. The two
// optional components exclude each other. Any of major, minor, patch and beta
// may be a wildcard, in which case the whole number is a pattern; wildcards
// are only ever suffixes.
type VersionNumber struct {
	major   int
	minor   int
	patch   int
	beta    int
	hasBeta bool
	hotfix  byte
}

// New returns a plain stable version number.
func New(major, minor, patch int) VersionNumber {
	return VersionNumber{major: major, minor: minor, patch: patch}
}

// NewWithBeta returns a beta version number.
func NewWithBeta(major, minor, patch, beta int) VersionNumber {
	return VersionNumber{major: major, minor: minor, patch: patch,
		beta: beta, hasBeta: true}
}

// NewWithHotfix returns a hotfix version number. The hotfix is a single
// lowercase letter.
func NewWithHotfix(major, minor, patch int, hotfix byte) VersionNumber {
	return VersionNumber{major: major, minor: minor, patch: patch,
		hotfix: hotfix}
}

// IsPattern tells whether any component is a wildcard.
func (v VersionNumber) IsPattern() bool {
	return v.major == wildcard || v.minor == wildcard ||
		v.patch == wildcard || (v.hasBeta && v.beta == wildcard)
}

// HasBeta tells whether the version carries a beta component.
func (v VersionNumber) HasBeta() bool { return v.hasBeta }

// HasHotfix tells whether the version carries a hotfix letter.
func (v VersionNumber) HasHotfix() bool { return v.hotfix != 0 }

// Specificity is the number of non-wildcard components among the components
// present in the version number. A concrete version has specificity 3, or 4
// with a beta component.
func (v VersionNumber) Specificity() int {
	s := 0
	for _, c := range []int{v.major, v.minor, v.patch} {
		if c != wildcard {
			s++
		}
	}
	if v.hasBeta && v.beta != wildcard {
		s++
	}
	return s
}

// Equal compares all components literally; wildcards only equal wildcards.
func (v VersionNumber) Equal(other VersionNumber) bool {
	return v.major == other.major && v.minor == other.minor &&
		v.patch == other.patch && v.hotfix == other.hotfix &&
		v.hasBeta == other.hasBeta &&
		(!v.hasBeta || v.beta == other.beta)
}

// isSmaller compares two components, treating wildcards as incomparable.
func isSmaller(a, b int) bool {
	return a != wildcard && b != wildcard && a < b
}

// Less tells whether this version number is a predecessor of the other. The
// order is lexicographic by (major, minor, patch); within the same triplet, a
// stable version precedes its hotfixes, hotfixes order by letter, and any
// stable version precedes any beta derived from it. Wildcard components are
// incomparable and never satisfy Less.
func (v VersionNumber) Less(other VersionNumber) bool {
	if v.major != other.major {
		return isSmaller(v.major, other.major)
	}
	if v.minor != other.minor {
		return isSmaller(v.minor, other.minor)
	}
	if v.patch != other.patch {
		return isSmaller(v.patch, other.patch)
	}

	switch {
	case v.hasBeta && other.hasBeta:
		// two beta versions originating from the same stable version
		return isSmaller(v.beta, other.beta)
	case !v.hasBeta && !other.hasBeta:
		// two stable versions, possibly with hotfixes
		switch {
		case v.hotfix == 0 && other.hotfix != 0:
			return true
		case v.hotfix != 0 && other.hotfix == 0:
			return false
		case v.hotfix != 0 && other.hotfix != 0:
			return v.hotfix < other.hotfix
		}
	case other.hasBeta:
		// other version is a beta of this stable version
		return true
	}

	return false
}

// Matches matches the concrete version against this version, which may be a
// pattern. Matching against a pattern argument is an error.
func (v VersionNumber) Matches(other VersionNumber) (bool, error) {
	if other.IsPattern() {
		return false, errors.New("cannot match pattern against reference")
	}

	if !v.IsPattern() {
		return v.Equal(other), nil
	}

	if v.hasBeta != other.hasBeta {
		return false, nil
	}

	s := v.Specificity()

	if s >= 1 && v.major != other.major {
		return false, nil
	}
	if s >= 2 && v.minor != other.minor {
		return false, nil
	}
	if s >= 3 && (v.patch != other.patch || v.hotfix != other.hotfix) {
		return false, nil
	}
	if s >= 4 && v.beta != other.beta {
		return false, nil
	}

	return true, nil
}

func componentString(c int) string {
	if c == wildcard {
		return "*"
	}
	return strconv.Itoa(c)
}

// String renders the version number without the optional "V" prefix,
// e.g. "2.4.6", "1.3.2.7", "3.6.1b", "1.6.*".
func (v VersionNumber) String() string {
	var b strings.Builder
	b.WriteString(componentString(v.major))
	b.WriteByte('.')
	b.WriteString(componentString(v.minor))
	b.WriteByte('.')
	b.WriteString(componentString(v.patch))
	if v.hasBeta {
		b.WriteByte('.')
		b.WriteString(componentString(v.beta))
	}
	if v.hotfix != 0 {
		b.WriteByte(v.hotfix)
	}
	return b.String()
}

// parseComponent parses one version component. Once a component has been
// parsed as a concrete integer, no component of higher significance may be a
// wildcard anymore; components are therefore parsed from least to most
// significant, threading the pattern permission through.
func parseComponent(s string, patternOK bool) (int, bool, error) {
	if patternOK && s == "*" {
		return wildcard, true, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, errors.Wrapf(err, "bad version component %q", s)
	}
	if n < 0 {
		return 0, false, errors.Newf("bad version component %q", s)
	}

	return n, false, nil
}

func isLowercaseLetter(c byte) bool { return c >= 'a' && c <= 'z' }

func parse(s string, patternAllowed bool) (VersionNumber, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return VersionNumber{},
			errors.Newf("version string %q must contain 2 or 3 dots", s)
	}

	majorStr := parts[0]
	if len(majorStr) > 0 && majorStr[0] == 'V' {
		majorStr = majorStr[1:]
	}
	minorStr := parts[1]

	var v VersionNumber
	var patchStr, betaStr string

	if len(parts) == 3 {
		patchStr = parts[2]
		if len(patchStr) > 0 && isLowercaseLetter(patchStr[len(patchStr)-1]) {
			v.hotfix = patchStr[len(patchStr)-1]
			patchStr = patchStr[:len(patchStr)-1]
		}
	} else {
		patchStr = parts[2]
		betaStr = parts[3]
		v.hasBeta = true
	}

	var err error
	patternOK := patternAllowed

	if v.hasBeta {
		if v.beta, patternOK, err = parseComponent(betaStr, patternOK); err != nil {
			return VersionNumber{}, err
		}
	}
	if v.patch, patternOK, err = parseComponent(patchStr, patternOK); err != nil {
		return VersionNumber{}, err
	}
	if v.minor, patternOK, err = parseComponent(minorStr, patternOK); err != nil {
		return VersionNumber{}, err
	}
	if v.major, _, err = parseComponent(majorStr, patternOK); err != nil {
		return VersionNumber{}, err
	}

	return v, nil
}

// Parse parses a concrete version number, optionally prefixed with "V".
// Wildcards are rejected.
func Parse(s string) (VersionNumber, error) {
	return parse(s, false)
}

// ParsePattern parses a version number that may contain right-aligned "*"
// wildcards, e.g. "1.6.*" or "2.99.*.*".
func ParsePattern(s string) (VersionNumber, error) {
	return parse(s, true)
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(s string) VersionNumber {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// MustParsePattern is ParsePattern for literals; it panics on malformed input.
func MustParsePattern(s string) VersionNumber {
	v, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return v
}
