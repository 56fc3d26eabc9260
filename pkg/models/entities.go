package models

import "time"

// Reference points at another entity by natural key.
type Reference struct {
	Type EntityType `json:"type"`
	Key  string     `json:"key"`
}

// Entity is a validated, store-ready catalog object.
type Entity interface {
	EntityType() EntityType
	// NaturalKey is the external source identifier used to match
	// existing rows on upsert.
	NaturalKey() string
	ModifiedAt() time.Time
	// References lists the entities that must exist before this one can
	// be loaded.
	References() []Reference
	// Columns returns the persisted column values, honoring the field mask.
	Columns() map[string]any
}

// Common canonical field names.
const (
	FieldExternalID = "external_id"
	FieldModifiedAt = "modified_at"
)

// Meta carries the fields every entity shares.
type Meta struct {
	ExternalID string    `json:"external_id"`
	Modified   time.Time `json:"modified_at"`
	// Mask restricts Columns to these fields plus the natural key.
	// Empty means all columns.
	Mask []string `json:"-"`
}

func (m Meta) NaturalKey() string      { return m.ExternalID }
func (m Meta) ModifiedAt() time.Time   { return m.Modified }
func (m Meta) References() []Reference { return nil }

func (m Meta) columns(cols map[string]any) map[string]any {
	cols[FieldExternalID] = m.ExternalID
	if !m.Modified.IsZero() {
		cols[FieldModifiedAt] = m.Modified
	}
	if len(m.Mask) == 0 {
		return cols
	}
	keep := make(map[string]any, len(m.Mask)+1)
	keep[FieldExternalID] = m.ExternalID
	for _, f := range m.Mask {
		if v, ok := cols[f]; ok {
			keep[f] = v
		}
	}
	return keep
}

type Vehicle struct {
	Meta
	Year     int    `json:"year"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Submodel string `json:"submodel,omitempty"`
	Engine   string `json:"engine,omitempty"`
	Region   string `json:"region,omitempty"`
}

func (v *Vehicle) EntityType() EntityType { return EntityVehicles }

func (v *Vehicle) Columns() map[string]any {
	return v.columns(map[string]any{
		"year":     v.Year,
		"make":     v.Make,
		"model":    v.Model,
		"submodel": v.Submodel,
		"engine":   v.Engine,
		"region":   v.Region,
	})
}

type Part struct {
	Meta
	PartNumber  string `json:"part_number"`
	Brand       string `json:"brand"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

func (p *Part) EntityType() EntityType { return EntityParts }

func (p *Part) Columns() map[string]any {
	return p.columns(map[string]any{
		"part_number": p.PartNumber,
		"brand":       p.Brand,
		"name":        p.Name,
		"description": p.Description,
		"category":    p.Category,
	})
}

type Qualifier struct {
	Meta
	Code string `json:"code"`
	Text string `json:"text"`
	Kind string `json:"qualifier_type,omitempty"`
}

func (q *Qualifier) EntityType() EntityType { return EntityQualifiers }

func (q *Qualifier) Columns() map[string]any {
	return q.columns(map[string]any{
		"code":           q.Code,
		"text":           q.Text,
		"qualifier_type": q.Kind,
	})
}

// Attribute is a named property of a part (e.g. "Thread Size").
type Attribute struct {
	Meta
	PartID string `json:"part_id"`
	Name   string `json:"name"`
	Value  string `json:"value"`
	Unit   string `json:"unit,omitempty"`
}

func (a *Attribute) EntityType() EntityType { return EntityAttributes }

func (a *Attribute) References() []Reference {
	return []Reference{{Type: EntityParts, Key: a.PartID}}
}

func (a *Attribute) Columns() map[string]any {
	return a.columns(map[string]any{
		"part_id": a.PartID,
		"name":    a.Name,
		"value":   a.Value,
		"unit":    a.Unit,
	})
}

// Product is a sellable SKU of a part.
type Product struct {
	Meta
	PartID   string  `json:"part_id"`
	SKU      string  `json:"sku"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Status   string  `json:"status,omitempty"`
}

func (p *Product) EntityType() EntityType { return EntityProducts }

func (p *Product) References() []Reference {
	return []Reference{{Type: EntityParts, Key: p.PartID}}
}

func (p *Product) Columns() map[string]any {
	return p.columns(map[string]any{
		"part_id":  p.PartID,
		"sku":      p.SKU,
		"price":    p.Price,
		"currency": p.Currency,
		"status":   p.Status,
	})
}

// Fitment states that a part fits a vehicle, optionally under a qualifier.
type Fitment struct {
	Meta
	VehicleID   string `json:"vehicle_id"`
	PartID      string `json:"part_id"`
	QualifierID string `json:"qualifier_id,omitempty"`
	Position    string `json:"position,omitempty"`
	Quantity    int    `json:"quantity"`
	Notes       string `json:"notes,omitempty"`
}

func (f *Fitment) EntityType() EntityType { return EntityFitments }

func (f *Fitment) References() []Reference {
	refs := []Reference{
		{Type: EntityVehicles, Key: f.VehicleID},
		{Type: EntityParts, Key: f.PartID},
	}
	if f.QualifierID != "" {
		refs = append(refs, Reference{Type: EntityQualifiers, Key: f.QualifierID})
	}
	return refs
}

func (f *Fitment) Columns() map[string]any {
	return f.columns(map[string]any{
		"vehicle_id":   f.VehicleID,
		"part_id":      f.PartID,
		"qualifier_id": f.QualifierID,
		"position":     f.Position,
		"quantity":     f.Quantity,
		"notes":        f.Notes,
	})
}
