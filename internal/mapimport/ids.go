package mapimport

import (
	"strings"

	"github.com/google/uuid"
)

// idNamespace roots the name-based row IDs so re-imports address the same rows.
var idNamespace = uuid.MustParse("6f1c2a3e-5b7d-4c8e-9a0f-2d4b6e8c1a35")

func v5(name string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(name))
}

// DesignationID is the stable row ID of a region's designation.
func DesignationID(geoID string) uuid.UUID {
	return v5("zone_designation:" + strings.TrimSpace(geoID))
}
