package storage

import (
	"fmt"
	"strings"
)

// DefaultNamespace is where keys outside every known namespace are re-rooted.
const DefaultNamespace = "uploads"

// DefaultNamespaces are the recognized top-level content categories.
var DefaultNamespaces = []string{"uploads", "posts", "products", "creators"}

// KeyNormalizer turns caller-supplied logical paths into object keys rooted
// under exactly one namespace.
type KeyNormalizer struct {
	namespaces map[string]struct{}
	root       string
}

// NewKeyNormalizer creates a normalizer that re-roots unknown keys under root.
// root is always treated as a recognized namespace. Every namespace must be a
// single path segment.
func NewKeyNormalizer(root string, namespaces ...string) (*KeyNormalizer, error) {
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultNamespace
	}
	if err := ValidateNamespace(root); err != nil {
		return nil, err
	}
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	n := &KeyNormalizer{
		namespaces: make(map[string]struct{}, len(namespaces)+1),
		root:       root,
	}
	n.namespaces[root] = struct{}{}
	for _, ns := range namespaces {
		if ns = strings.Trim(ns, "/"); ns == "" {
			continue
		}
		if err := ValidateNamespace(ns); err != nil {
			return nil, err
		}
		n.namespaces[ns] = struct{}{}
	}
	return n, nil
}

// ValidateNamespace reports whether ns can be the first segment of a key.
// Surrounding slashes are ignored.
func ValidateNamespace(ns string) error {
	ns = strings.Trim(ns, "/")
	switch {
	case ns == "", ns == ".", ns == "..":
		return fmt.Errorf("%w: invalid namespace %q", ErrConfiguration, ns)
	case strings.ContainsAny(ns, "/\\\x00"):
		return fmt.Errorf("%w: namespace %q must be a single path segment", ErrConfiguration, ns)
	}
	return nil
}

// Normalize returns the canonical key for raw. It is idempotent.
func (n *KeyNormalizer) Normalize(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidKey)
	}

	// Backslashes are separators on Windows roots, so never let them smuggle a "..".
	raw = strings.ReplaceAll(raw, `\`, "/")

	segments := make([]string, 0, strings.Count(raw, "/")+2)
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: %q contains a %q segment", ErrInvalidKey, raw, seg)
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	if _, ok := n.namespaces[segments[0]]; ok {
		if len(segments) == 1 {
			return "", fmt.Errorf("%w: %q names a namespace, not an object", ErrInvalidKey, raw)
		}
		return strings.Join(segments, "/"), nil
	}
	return n.root + "/" + strings.Join(segments, "/"), nil
}

// Namespace returns the first segment of a normalized key.
func Namespace(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return key
}
