package importer

import (
	"strings"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// convertFunc maps one record to an entity. Validation failures are left
// on the reader.
type convertFunc func(r *reader) models.Entity

var converters = map[models.EntityType]convertFunc{
	models.EntityVehicles:   convertVehicle,
	models.EntityParts:      convertPart,
	models.EntityQualifiers: convertQualifier,
	models.EntityAttributes: convertAttribute,
	models.EntityProducts:   convertProduct,
	models.EntityFitments:   convertFitment,
}

// first model year of a production automobile
const minModelYear = 1886

func convertVehicle(r *reader) models.Entity {
	v := &models.Vehicle{
		Meta:     r.meta(),
		Year:     r.integer("year", true, 0),
		Make:     r.str("make", true),
		Model:    r.str("model", true),
		Submodel: r.str("submodel", false),
		Engine:   r.str("engine", false),
		Region:   strings.ToUpper(r.str("region", false)),
	}
	if r.mapped("year") && r.err == nil {
		if maxYear := time.Now().Year() + 2; v.Year < minModelYear || v.Year > maxYear {
			r.fail("year", "%d outside %d-%d", v.Year, minModelYear, maxYear)
		}
	}
	return v
}

func convertPart(r *reader) models.Entity {
	return &models.Part{
		Meta:        r.meta(),
		PartNumber:  r.str("part_number", true),
		Brand:       r.str("brand", true),
		Name:        r.str("name", false),
		Description: r.str("description", false),
		Category:    r.str("category", false),
	}
}

func convertQualifier(r *reader) models.Entity {
	return &models.Qualifier{
		Meta: r.meta(),
		Code: strings.ToUpper(r.str("code", true)),
		Text: r.str("text", true),
		Kind: r.str("qualifier_type", false),
	}
}

func convertAttribute(r *reader) models.Entity {
	return &models.Attribute{
		Meta:   r.meta(),
		PartID: r.str("part_id", true),
		Name:   r.str("name", true),
		Value:  r.str("value", true),
		Unit:   r.str("unit", false),
	}
}

func convertProduct(r *reader) models.Entity {
	p := &models.Product{
		Meta:     r.meta(),
		PartID:   r.str("part_id", true),
		SKU:      r.str("sku", true),
		Price:    r.decimal("price", false),
		Currency: strings.ToUpper(r.str("currency", false)),
		Status:   strings.ToLower(r.str("status", false)),
	}
	if r.err != nil {
		return p
	}
	if p.Price < 0 {
		r.fail("price", "cannot be negative")
	}
	if r.mapped("currency") {
		if p.Currency == "" {
			p.Currency = "USD"
		} else if len(p.Currency) != 3 {
			r.fail("currency", "%q is not an ISO 4217 code", p.Currency)
		}
	}
	return p
}

func convertFitment(r *reader) models.Entity {
	f := &models.Fitment{
		Meta:        r.meta(),
		VehicleID:   r.str("vehicle_id", true),
		PartID:      r.str("part_id", true),
		QualifierID: r.str("qualifier_id", false),
		Position:    r.str("position", false),
		Quantity:    r.integer("quantity", false, 1),
		Notes:       r.str("notes", false),
	}
	if r.err == nil && r.mapped("quantity") && f.Quantity < 1 {
		r.fail("quantity", "must be at least 1")
	}
	return f
}
