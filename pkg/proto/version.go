package proto

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// VersionRange is a half-open semver interval [Min, Max).
type VersionRange struct {
	Min string
	Max string
}

// DefaultVersionRange is the API range this broker speaks.
var DefaultVersionRange = VersionRange{Min: "1.0.0-BETA.4", Max: "2.0.0"}

// APIVersion is the version peers built from this module announce.
const APIVersion = "1.0.0"

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// ValidVersion reports whether v is a semantic version, with or without a leading "v".
func ValidVersion(v string) bool {
	return semver.IsValid(canonical(v))
}

// NewVersionRange validates both bounds.
func NewVersionRange(min, max string) (VersionRange, error) {
	if !ValidVersion(min) {
		return VersionRange{}, fmt.Errorf("invalid minimum api version %q", min)
	}
	if !ValidVersion(max) {
		return VersionRange{}, fmt.Errorf("invalid maximum api version %q", max)
	}
	if semver.Compare(canonical(min), canonical(max)) >= 0 {
		return VersionRange{}, fmt.Errorf("api version range is empty: %s >= %s", min, max)
	}
	return VersionRange{Min: min, Max: max}, nil
}

// Contains reports whether Min <= v < Max.
func (r VersionRange) Contains(v string) bool {
	cv := canonical(v)
	if !semver.IsValid(cv) {
		return false
	}
	return semver.Compare(cv, canonical(r.Min)) >= 0 && semver.Compare(cv, canonical(r.Max)) < 0
}

func (r VersionRange) String() string {
	return fmt.Sprintf(">= %s < %s", r.Min, r.Max)
}
