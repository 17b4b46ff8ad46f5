package media

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ObjectKey builds the object key for a report's attachment. Keys are grouped
// by day and never include the session id or the original filename, only
// its extension.
func ObjectKey(env, reportID, filename string, createdAt time.Time) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 8 {
		ext = ""
	}
	return fmt.Sprintf("%s/reports/%s/%s%s", env, createdAt.UTC().Format("2006/01/02"), reportID, ext)
}

// Allowed reports whether contentType appears in allowed. Parameters such as
// "; charset=" are ignored.
func Allowed(contentType string, allowed []string) bool {
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	for _, a := range allowed {
		if strings.EqualFold(base, a) {
			return true
		}
	}
	return false
}
