package version

import (
	"github.com/cockroachdb/errors"
)

// VersionRange is an inclusive range of versions given by two patterns, or a
// single pattern to match against. Both boundaries agree on whether a beta
// component is present.
type VersionRange struct {
	min VersionNumber
	max *VersionNumber
}

// NewRange builds a range from boundary patterns. A nil max means "match
// against min only". Boundaries mixing beta and stable versions, or given in
// the wrong order, are rejected; identical boundaries collapse to a single
// pattern.
func NewRange(min VersionNumber, max *VersionNumber) (VersionRange, error) {
	if max != nil {
		if min.HasBeta() != max.HasBeta() {
			return VersionRange{}, errors.New("vrange boundaries mismatch")
		}

		if max.Less(min) {
			return VersionRange{}, errors.New("bad vrange boundaries order")
		}

		if min.Equal(*max) {
			max = nil
		}
	}

	return VersionRange{min: min, max: max}, nil
}

// RangeFromPattern builds a single-pattern range from a version string.
func RangeFromPattern(s string) (VersionRange, error) {
	min, err := ParsePattern(s)
	if err != nil {
		return VersionRange{}, err
	}
	return NewRange(min, nil)
}

// RangeFromBounds builds a range from [min, max] version strings.
func RangeFromBounds(minStr, maxStr string) (VersionRange, error) {
	min, err := ParsePattern(minStr)
	if err != nil {
		return VersionRange{}, err
	}
	max, err := ParsePattern(maxStr)
	if err != nil {
		return VersionRange{}, err
	}
	return NewRange(min, &max)
}

// Contains checks whether the concrete version lies within this range. A nil
// version is never contained; checking a pattern is an error.
func (r VersionRange) Contains(v *VersionNumber) (bool, error) {
	if v == nil {
		return false, nil
	}

	if v.IsPattern() {
		return false, errors.New("cannot match pattern with range")
	}

	if v.HasBeta() != r.min.HasBeta() {
		return false, nil
	}

	if r.max == nil {
		return r.min.Matches(*v)
	}

	// Boundary checks descend from major to beta: a component strictly
	// outside the boundary rejects, a component strictly inside accepts
	// without looking any further, an equal component descends. A version
	// without hotfix is older than one with hotfix at the same patch level.

	min := r.min
	if s := min.Specificity(); s >= 1 {
		if v.major < min.major {
			return false, nil
		}

		if v.major == min.major && s >= 2 {
			if v.minor < min.minor {
				return false, nil
			}

			if v.minor == min.minor && s >= 3 {
				if v.patch < min.patch {
					return false, nil
				}

				if v.patch == min.patch {
					if v.hotfix == 0 {
						if min.hotfix != 0 {
							return false, nil
						}
					} else if min.hotfix != 0 && v.hotfix < min.hotfix {
						return false, nil
					}

					if s >= 4 && v.beta < min.beta {
						return false, nil
					}
				}
			}
		}
	}

	max := *r.max
	if s := max.Specificity(); s >= 1 {
		if v.major > max.major {
			return false, nil
		}

		if v.major == max.major && s >= 2 {
			if v.minor > max.minor {
				return false, nil
			}

			if v.minor == max.minor && s >= 3 {
				if v.patch > max.patch {
					return false, nil
				}

				if v.patch == max.patch {
					if max.hotfix == 0 {
						if v.hotfix != 0 {
							return false, nil
						}
					} else if v.hotfix != 0 && v.hotfix > max.hotfix {
						return false, nil
					}

					if s >= 4 && v.beta > max.beta {
						return false, nil
					}
				}
			}
		}
	}

	return true, nil
}

// String renders the range as "min...max", or just "min" for single-pattern
// ranges.
func (r VersionRange) String() string {
	if r.max != nil {
		return r.min.String() + "..." + r.max.String()
	}
	return r.min.String()
}
