package mapper

import "github.com/ajitpratap0/catalogsync/pkg/models"

// CanonicalFields lists, per entity family, the field names every source
// must produce. Importers read records by these names only.
var CanonicalFields = map[models.EntityType][]string{
	models.EntityVehicles: {
		models.FieldExternalID, "year", "make", "model", "submodel", "engine", "region", models.FieldModifiedAt,
	},
	models.EntityParts: {
		models.FieldExternalID, "part_number", "brand", "name", "description", "category", models.FieldModifiedAt,
	},
	models.EntityQualifiers: {
		models.FieldExternalID, "code", "text", "qualifier_type", models.FieldModifiedAt,
	},
	models.EntityAttributes: {
		models.FieldExternalID, "part_id", "name", "value", "unit", models.FieldModifiedAt,
	},
	models.EntityProducts: {
		models.FieldExternalID, "part_id", "sku", "price", "currency", "status", models.FieldModifiedAt,
	},
	models.EntityFitments: {
		models.FieldExternalID, "vehicle_id", "part_id", "qualifier_id", "position", "quantity", "notes", models.FieldModifiedAt,
	},
}

// IsCanonical reports whether field is a canonical name for et.
func IsCanonical(et models.EntityType, field string) bool {
	for _, f := range CanonicalFields[et] {
		if f == field {
			return true
		}
	}
	return false
}
