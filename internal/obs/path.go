package obs

import "strings"

// CanonicalPath collapses resource identifiers so metrics labels stay
// low-cardinality. "/v1/grants/01H.../cancel" becomes "/v1/grants/:id/cancel".
func CanonicalPath(raw string) string {
	path := raw
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/v1/grants/") {
		return path
	}
	rest := strings.TrimPrefix(path, "/v1/grants/")
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return path
		}
		return "/v1/grants/:id"
	case 2:
		switch parts[1] {
		case "cancel", "expire", "retry":
			return "/v1/grants/:id/" + parts[1]
		}
	}
	return path
}
