package config

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is the latest policy schema version.
const CurrentSchemaVersion = "1.0"

// SchemaVersion represents a semantic version for policy schemas
type SchemaVersion struct {
	Major int
	Minor int
}

// SupportedVersions lists all schema versions we can read
var SupportedVersions = []SchemaVersion{
	{Major: 1, Minor: 0},
}

// ParseVersion parses a version string like "1.0". Empty means 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", parts[1])
	}

	return SchemaVersion{Major: major, Minor: minor}, nil
}

// String returns the version as "X.Y"
func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsSupportedVersion reports whether a reader for one of SupportedVersions
// can load v. Minor bumps are backward compatible.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, s := range SupportedVersions {
		if v.Major == s.Major && v.Minor <= s.Minor {
			return true
		}
	}
	return false
}
