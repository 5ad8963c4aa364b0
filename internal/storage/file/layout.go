package file

import (
	"path/filepath"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// TenantDir maps a tenant to its store directory directly under root. The
// layout is flat so the watcher only has to observe root's children; the
// directory name doubles as the store id.
func TenantDir(root string, t types.Tenant) string {
	return filepath.Join(root, StoreName(t))
}

// StoreName renders a tenant as a single filesystem-safe path component.
func StoreName(t types.Tenant) string {
	return sanitizeID(t.UserID) + "__" + sanitizeID(t.ProjectID)
}

// sanitizeID keeps letters, digits, dot, underscore and hyphen; everything
// else becomes a hyphen. Tenant ids are generated slugs, so in practice
// this is the identity function.
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
