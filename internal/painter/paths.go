package painter

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/texlink/texlink/internal/link"
)

// URLToLocalPath converts a file URL to a forward-slash local path. Values
// that are not file URLs are returned normalized but otherwise unchanged.
func URLToLocalPath(u string) string {
	if !strings.HasPrefix(strings.ToLower(u), "file:") {
		return link.NormalizePath(u)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return link.NormalizePath(strings.TrimPrefix(u, "file://"))
	}
	p := parsed.Path
	if parsed.Host != "" && parsed.Host != "localhost" {
		// UNC share: file://server/share/x
		p = "//" + parsed.Host + p
	}
	// file:///C:/x parses with a leading slash before the drive letter.
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return link.NormalizePath(p)
}

// LocalPathToURL converts a local path to a file URL.
func LocalPathToURL(p string) string {
	p = link.NormalizePath(p)
	if strings.HasPrefix(strings.ToLower(p), "file:") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// SameLocation reports whether two URLs or paths name the same file once
// normalized.
func SameLocation(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return URLToLocalPath(a) == URLToLocalPath(b)
}

// RelativePath returns target relative to base, both taken as forward-slash
// paths. The result uses forward slashes.
func RelativePath(base, target string) (string, error) {
	base = link.NormalizePath(base)
	target = link.NormalizePath(target)
	if strings.HasPrefix(target, base+"/") {
		return strings.TrimPrefix(target, base+"/"), nil
	}
	rel, err := filepath.Rel(filepath.FromSlash(base), filepath.FromSlash(target))
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
