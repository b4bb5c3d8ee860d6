package manyjulias

import (
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

// Version identifies an upstream Julia release line, e.g. 1.10. Patch
// releases share a line; the pack database is keyed by (major, minor) only.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// DBName returns the pack database name for v, e.g. julia-1.10, or
// julia-1.10-asserts for the assertion-enabled build variant.
func (v Version) DBName(asserts bool) string {
	name := "julia-" + v.String()
	if asserts {
		name += "-asserts"
	}
	return name
}

// Less returns true if v precedes o in release order.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ParseVersion parses a user-supplied release line like "1.10".
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, xerrors.Errorf("malformed version %q (expected major.minor)", s)
	}
	ma, err := strconv.Atoi(major)
	if err != nil {
		return Version{}, xerrors.Errorf("malformed version %q: %v", s, err)
	}
	mi, err := strconv.Atoi(minor)
	if err != nil {
		return Version{}, xerrors.Errorf("malformed version %q: %v", s, err)
	}
	return Version{Major: ma, Minor: mi}, nil
}

// VersionOfBlob parses the contents of a VERSION file from the Julia tree
// (e.g. "1.12.0-DEV\n") and keeps the release line.
func VersionOfBlob(blob string) (Version, error) {
	s := "v" + strings.TrimSpace(blob)
	if !semver.IsValid(s) {
		return Version{}, xerrors.Errorf("VERSION blob %q is not a semantic version", strings.TrimSpace(blob))
	}
	return ParseVersion(strings.TrimPrefix(semver.MajorMinor(s), "v"))
}
