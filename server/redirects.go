package server

import "strings"

// isSafeRedirectTarget reports whether target may be used as a post-login or
// error redirect. Same-origin paths and plain http(s) URLs are accepted;
// anything that can smuggle a different origin is not.
func isSafeRedirectTarget(target string) bool {
	if target == "" {
		return false
	}
	if strings.ContainsAny(target, "\r\n\\") {
		return false
	}

	// Same-origin path, but not protocol-relative.
	if strings.HasPrefix(target, "/") {
		return !strings.HasPrefix(target, "//")
	}

	lower := strings.ToLower(target)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	idx := strings.Index(target, "://")
	if idx == -1 {
		return false
	}
	scheme := target[:idx]
	rest := target[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// Fragment in the host part, e.g. http://evil.com#http://trusted.com/
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return hostPart != "" && !strings.Contains(hostPart, "#")
}
