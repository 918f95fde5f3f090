// Package versioning parses the X-API-Version request header so handlers can
// gate behaviour changes without breaking existing CRM clients.
package versioning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type APIVersion struct {
	Major int
	Minor int
}

// String renders "v1.2"
func (v APIVersion) String() string {
	return fmt.Sprintf("v%d.%d", v.Major, v.Minor)
}

// AtLeast reports whether v is >= (major, minor)
func (v APIVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// ParseVersion "v1.2" -> APIVersion{1, 2}
func ParseVersion(header string) APIVersion {
	if header == "" {
		return APIVersion{Major: 1, Minor: 0}
	}

	clean := strings.TrimPrefix(header, "v")
	parts := strings.Split(clean, ".")

	major := 1
	minor := 0

	if len(parts) > 0 {
		if v, err := strconv.Atoi(parts[0]); err == nil {
			major = v
		}
	}
	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			minor = v
		}
	}

	return APIVersion{Major: major, Minor: minor}
}

type contextKey string

const keyAPIVersion contextKey = "api_version"

// WithVersion stores the API version in the context
func WithVersion(ctx context.Context, v APIVersion) context.Context {
	return context.WithValue(ctx, keyAPIVersion, v)
}

// FromContext returns the API version stored by the middleware, defaulting
// to v1.0
func FromContext(ctx context.Context) APIVersion {
	if v, ok := ctx.Value(keyAPIVersion).(APIVersion); ok {
		return v
	}
	return APIVersion{Major: 1, Minor: 0}
}
