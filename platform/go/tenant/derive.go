package tenant

import (
	"strings"

	"github.com/google/uuid"
)

// ShortID returns the first 8 hexadecimal characters of a UUID (without dashes).
func ShortID(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	if len(hex) < 8 {
		return hex
	}
	return hex[:8]
}

// BuildDBName derives the tenant database (and login role) name from the
// tenant id. Format: tenant_<shortid>.
func BuildDBName(id uuid.UUID) string {
	return "tenant_" + ShortID(id)
}
