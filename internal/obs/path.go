package obs

import "strings"

// CanonicalPath collapses resource identifiers in request paths so metric
// label cardinality stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "documents":
		if len(parts) == 2 {
			return "/v1/documents"
		}
		if parts[2] == "batch-list" {
			return "/v1/documents/batch-list"
		}
		out := "/v1/documents/:id"
		rest := parts[3:]
		switch {
		case len(rest) == 0:
		case rest[0] == "status":
			out += "/status"
		case rest[0] == "attachments":
			out += "/attachments"
			if len(rest) > 1 {
				out += "/:id"
			}
		default:
			return path
		}
		return out
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "userdocuments":
		return "/v1/userdocuments/:id"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "gdpr":
		return "/v1/gdpr/:id"
	}
	return path
}
