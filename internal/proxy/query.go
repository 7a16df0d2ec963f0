package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
)

var (
	// bare matches a query component that is only a placeholder: {name}
	bare = regexp.MustCompile(`^\{([A-Za-z0-9_.\-]+)\}$`)
	// keyed matches key={name}
	keyed = regexp.MustCompile(`^([^={}&]+)=\{([A-Za-z0-9_.\-]+)\}$`)

	braces = strings.NewReplacer("%7B", "{", "%7b", "{", "%7D", "}", "%7d", "}")
)

// ResolveQuery substitutes configured query parameters into a raw query
// string. Only components the caller explicitly references are touched:
// "{name}" becomes "name=value" and "key={name}" becomes "key=value".
// Every other component passes through byte for byte. A reference to a
// name with no configured value fails with ErrUnknownPlaceholder.
func ResolveQuery(rawQuery string, params map[string]string) (string, error) {
	if rawQuery == "" {
		return "", nil
	}

	parts := strings.Split(rawQuery, "&")

	for i, part := range parts {
		norm := braces.Replace(part)

		if m := bare.FindStringSubmatch(norm); m != nil {
			name := m[1]

			value, ok := params[name]
			if !ok {
				return "", fmt.Errorf("%w: %s", apperrors.ErrUnknownPlaceholder, name)
			}

			parts[i] = url.QueryEscape(name) + "=" + url.QueryEscape(value)

			continue
		}

		if m := keyed.FindStringSubmatch(norm); m != nil {
			name := m[2]

			value, ok := params[name]
			if !ok {
				return "", fmt.Errorf("%w: %s", apperrors.ErrUnknownPlaceholder, name)
			}

			parts[i] = m[1] + "=" + url.QueryEscape(value)
		}
	}

	return strings.Join(parts, "&"), nil
}
