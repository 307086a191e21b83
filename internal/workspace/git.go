package workspace

import (
	"strings"
)

// repoNameFromURL extracts the repository directory name from a clone URL:
// "https://github.com/acme/widget.git" yields "widget".
func repoNameFromURL(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// ownerRepoFromURL extracts "owner/repo" from a clone URL, or "" when the
// URL has no owner segment.
func ownerRepoFromURL(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	// Strip scheme and host.
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

// mirrorPath returns the bare mirror location for a repository inside the
// cache mount: /cache/<owner>--<repo>.git.
func mirrorPath(repoURL string) string {
	ownerRepo := ownerRepoFromURL(repoURL)
	if ownerRepo == "" {
		ownerRepo = repoNameFromURL(repoURL)
	}
	return cacheMount + "/" + strings.ReplaceAll(ownerRepo, "/", "--") + ".git"
}

// injectToken embeds a bearer token into an https clone URL. Non-https URLs
// and empty tokens pass through unchanged.
func injectToken(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://" + token + "@" + strings.TrimPrefix(repoURL, "https://")
}

// redactToken removes userinfo credentials from URLs embedded in s so
// tokens never reach logs or error messages.
func redactToken(s string) string {
	const scheme = "https://"
	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, scheme)
		if idx < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:idx+len(scheme)])
		rest = rest[idx+len(scheme):]
		// Userinfo ends at '@' before the next '/' or whitespace.
		end := strings.IndexAny(rest, "/ \t\n")
		segment := rest
		if end >= 0 {
			segment = rest[:end]
		}
		if at := strings.LastIndex(segment, "@"); at >= 0 {
			b.WriteString("***@")
			rest = rest[at+1:]
		}
	}
}
