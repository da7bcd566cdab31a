package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"crabstack.local/projects/crab-core/internal/types"
)

const commandMetacharacters = ";|&$><`\n\r()[]{}*?~!\\'\""

type guard struct {
	roots []string
}

func newGuard(roots []string) guard {
	resolved := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		root = filepath.Clean(root)
		if real, err := filepath.EvalSymlinks(root); err == nil {
			root = real
		}
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		resolved = append(resolved, root)
	}
	return guard{roots: resolved}
}

// normalize checks a subject argument against its kind and returns the
// canonical form used for policy matching and invocation.
func (g guard) normalize(kind types.SubjectKind, raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", errors.New("argument contains NUL byte")
	}
	switch kind {
	case types.SubjectPath:
		return g.path(raw)
	case types.SubjectCommand:
		return g.command(raw)
	case types.SubjectURL:
		return normalizeURL(raw)
	default:
		return raw, nil
	}
}

func (g guard) path(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("path is empty")
	}
	if !filepath.IsAbs(raw) {
		return "", fmt.Errorf("path %q is not absolute", raw)
	}
	for _, segment := range strings.Split(filepath.ToSlash(raw), "/") {
		if segment == ".." {
			return "", fmt.Errorf("path %q contains a parent traversal", raw)
		}
	}

	cleaned := filepath.Clean(raw)
	resolved, err := resolveSymlinks(cleaned)
	if err != nil {
		return "", err
	}
	if !g.underRoot(resolved) {
		return "", fmt.Errorf("path %q is outside the allowed roots", raw)
	}
	return resolved, nil
}

// resolveSymlinks resolves the longest existing prefix of path so that
// targets which do not exist yet are still checked against their real
// parent directory.
func resolveSymlinks(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	realParent, err := resolveSymlinks(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(path)), nil
}

func (g guard) underRoot(path string) bool {
	for _, root := range g.roots {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (g guard) command(raw string) (string, error) {
	if i := strings.IndexAny(raw, commandMetacharacters); i >= 0 {
		return "", fmt.Errorf("command contains shell metacharacter %q", raw[i])
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", errors.New("command is empty")
	}
	if strings.Contains(fields[0], "/") {
		resolved, err := g.path(fields[0])
		if err != nil {
			return "", fmt.Errorf("command binary: %w", err)
		}
		fields[0] = resolved
	}
	for i, arg := range fields[1:] {
		for _, segment := range strings.Split(arg, "/") {
			if segment == ".." {
				return "", fmt.Errorf("command argument %q contains a parent traversal", arg)
			}
		}
		prefix, target := splitPathArgument(arg)
		if target == "" {
			continue
		}
		resolved, err := g.path(target)
		if err != nil {
			return "", fmt.Errorf("command argument: %w", err)
		}
		fields[i+1] = prefix + resolved
	}
	return strings.Join(fields, " "), nil
}

// splitPathArgument finds an absolute path carried by a command argument,
// either bare (/etc), after an option assignment (--file=/etc, if=/etc) or
// glued to a short flag (-C/etc).
func splitPathArgument(arg string) (prefix, target string) {
	if filepath.IsAbs(arg) {
		return "", arg
	}
	if i := strings.IndexByte(arg, '='); i >= 0 && filepath.IsAbs(arg[i+1:]) {
		return arg[:i+1], arg[i+1:]
	}
	if strings.HasPrefix(arg, "-") {
		if i := strings.IndexByte(arg, '/'); i > 0 && isFlagName(arg[:i]) {
			return arg[:i], arg[i:]
		}
	}
	return "", ""
}

func isFlagName(s string) bool {
	name := strings.TrimLeft(s, "-")
	if name == "" || len(s)-len(name) > 2 {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("url scheme %q is not allowed", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	if u.User != nil {
		return "", errors.New("url must not carry credentials")
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}
