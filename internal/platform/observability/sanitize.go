package observability

import (
	"strings"
	"unicode"
)

// Log field limits. Routes are chi patterns and stay short; customer IDs are
// ULID-sized; methods are the HTTP verb set.
const (
	routeFieldLimit    = 180
	methodFieldLimit   = 10
	customerFieldLimit = 64
	defaultFieldLimit  = 256
)

// logSafe drops control characters and truncates, so a crafted header or
// path cannot forge extra log lines.
func logSafe(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return cleaned
}

func safeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return logSafe(route, routeFieldLimit)
}

func safeMethod(method string) string {
	return logSafe(method, methodFieldLimit)
}

func safeCustomerID(id string) string {
	return logSafe(id, customerFieldLimit)
}
