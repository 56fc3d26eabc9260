package models

import (
	"fmt"
	"strings"
)

// EntityType identifies one family of catalog reference data.
type EntityType string

const (
	EntityVehicles   EntityType = "VEHICLES"
	EntityParts      EntityType = "PARTS"
	EntityFitments   EntityType = "FITMENTS"
	EntityQualifiers EntityType = "QUALIFIERS"
	EntityAttributes EntityType = "ATTRIBUTES"
	EntityProducts   EntityType = "PRODUCTS"
	EntityAll        EntityType = "ALL"
)

// DependencyOrder lists concrete entity types so that every type comes
// after the types it references.
var DependencyOrder = []EntityType{
	EntityVehicles,
	EntityParts,
	EntityQualifiers,
	EntityAttributes,
	EntityProducts,
	EntityFitments,
}

// ParseEntityType accepts any casing ("vehicles", "Vehicles", "VEHICLES").
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(strings.ToUpper(strings.TrimSpace(s)))
	switch et {
	case EntityVehicles, EntityParts, EntityFitments, EntityQualifiers,
		EntityAttributes, EntityProducts, EntityAll:
		return et, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Expand returns the concrete entity types covered by et. ALL expands to
// DependencyOrder; any other type returns itself.
func (et EntityType) Expand() []EntityType {
	if et == EntityAll {
		out := make([]EntityType, len(DependencyOrder))
		copy(out, DependencyOrder)
		return out
	}
	return []EntityType{et}
}

func (et EntityType) String() string { return string(et) }

// Lower returns the lowercase form used in metric labels and table names.
func (et EntityType) Lower() string { return strings.ToLower(string(et)) }

// SourceType identifies a connector variant.
type SourceType string

const (
	SourceFile     SourceType = "file"
	SourceDesktop  SourceType = "desktop"
	SourceMidrange SourceType = "midrange"
)

// SourceTypes lists every supported connector variant.
var SourceTypes = []SourceType{SourceFile, SourceDesktop, SourceMidrange}

// ParseSourceType accepts the canonical names plus a few legacy aliases.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "flatfile", "csv":
		return SourceFile, nil
	case "desktop", "access", "odbc":
		return SourceDesktop, nil
	case "midrange", "as400", "iseries", "db2":
		return SourceMidrange, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

func (st SourceType) String() string { return string(st) }
