package mapper

import (
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// Schema describes how one source stores one entity family.
type Schema struct {
	// From is the FROM clause (table plus any joins) for database
	// sources. File sources leave it empty.
	From string
	// Columns maps source columns to canonical fields. The columns for
	// external_id and modified_at drive cursoring and ordering.
	Columns []core.Column
}

// Table is the full (source type, entity type) schema table.
type Table map[models.SourceType]map[models.EntityType]Schema

func cols(pairs ...string) []core.Column {
	out := make([]core.Column, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, core.Column{Source: pairs[i], Alias: pairs[i+1]})
	}
	return out
}

// DefaultTable holds the built-in source layouts: the midrange item
// master files, the desktop catalog tables and the flat-file export
// headers.
var DefaultTable = Table{
	models.SourceMidrange: {
		models.EntityVehicles: {
			From: "VEHMST",
			Columns: cols(
				"VHID", "external_id", "VHYEAR", "year", "VHMAKE", "make", "VHMODL", "model",
				"VHSUBM", "submodel", "VHENG", "engine", "VHREGN", "region", "VHCHGTS", "modified_at"),
		},
		models.EntityParts: {
			From: "ITMMST",
			Columns: cols(
				"IMITEM", "external_id", "IMPART", "part_number", "IMBRND", "brand", "IMDESC", "name",
				"IMLDSC", "description", "IMCAT", "category", "IMCHGTS", "modified_at"),
		},
		models.EntityQualifiers: {
			From: "QUALMST",
			Columns: cols(
				"QLID", "external_id", "QLCODE", "code", "QLTEXT", "text", "QLTYPE", "qualifier_type",
				"QLCHGTS", "modified_at"),
		},
		models.EntityAttributes: {
			From: "ITMATR",
			Columns: cols(
				"IAID", "external_id", "IAITEM", "part_id", "IANAME", "name", "IAVAL", "value",
				"IAUOM", "unit", "IACHGTS", "modified_at"),
		},
		models.EntityProducts: {
			From: "PRDMST P LEFT JOIN PRCMST C ON C.PCSKU = P.PDSKU AND C.PCLIST = 'LIST'",
			Columns: cols(
				"P.PDID", "external_id", "P.PDITEM", "part_id", "P.PDSKU", "sku", "C.PCPRICE", "price",
				"C.PCCURR", "currency", "P.PDSTAT", "status", "P.PDCHGTS", "modified_at"),
		},
		models.EntityFitments: {
			From: "APPMST",
			Columns: cols(
				"APID", "external_id", "APVHID", "vehicle_id", "APITEM", "part_id", "APQLID", "qualifier_id",
				"APPOS", "position", "APQTY", "quantity", "APNOTE", "notes", "APCHGTS", "modified_at"),
		},
	},
	models.SourceDesktop: {
		models.EntityVehicles: {
			From: "tblVehicles",
			Columns: cols(
				"VehicleID", "external_id", "ModelYear", "year", "MakeName", "make", "ModelName", "model",
				"SubModel", "submodel", "EngineDesc", "engine", "Region", "region", "LastModified", "modified_at"),
		},
		models.EntityParts: {
			From: "tblParts",
			Columns: cols(
				"PartID", "external_id", "PartNumber", "part_number", "BrandName", "brand", "PartName", "name",
				"Description", "description", "Category", "category", "LastModified", "modified_at"),
		},
		models.EntityQualifiers: {
			From: "tblQualifiers",
			Columns: cols(
				"QualifierID", "external_id", "QualCode", "code", "QualText", "text", "QualType", "qualifier_type",
				"LastModified", "modified_at"),
		},
		models.EntityAttributes: {
			From: "tblPartAttributes",
			Columns: cols(
				"AttributeID", "external_id", "PartID", "part_id", "AttrName", "name", "AttrValue", "value",
				"UOM", "unit", "LastModified", "modified_at"),
		},
		models.EntityProducts: {
			From: "tblProducts",
			Columns: cols(
				"ProductID", "external_id", "PartID", "part_id", "SKU", "sku", "ListPrice", "price",
				"CurrencyCode", "currency", "Status", "status", "LastModified", "modified_at"),
		},
		models.EntityFitments: {
			From: "tblFitments",
			Columns: cols(
				"FitmentID", "external_id", "VehicleID", "vehicle_id", "PartID", "part_id", "QualifierID", "qualifier_id",
				"Position", "position", "Qty", "quantity", "Notes", "notes", "LastModified", "modified_at"),
		},
	},
	models.SourceFile: {
		models.EntityVehicles: {
			Columns: cols(
				"VEHICLE_ID", "external_id", "YEAR", "year", "MAKE", "make", "MODEL", "model",
				"SUBMODEL", "submodel", "ENGINE", "engine", "REGION", "region", "LAST_MODIFIED", "modified_at"),
		},
		models.EntityParts: {
			Columns: cols(
				"PART_ID", "external_id", "PART_NO", "part_number", "BRAND", "brand", "PART_NAME", "name",
				"DESCRIPTION", "description", "CATEGORY", "category", "LAST_MODIFIED", "modified_at"),
		},
		models.EntityQualifiers: {
			Columns: cols(
				"QUALIFIER_ID", "external_id", "CODE", "code", "TEXT", "text", "TYPE", "qualifier_type",
				"LAST_MODIFIED", "modified_at"),
		},
		models.EntityAttributes: {
			Columns: cols(
				"ATTRIBUTE_ID", "external_id", "PART_ID", "part_id", "NAME", "name", "VALUE", "value",
				"UOM", "unit", "LAST_MODIFIED", "modified_at"),
		},
		models.EntityProducts: {
			Columns: cols(
				"PRODUCT_ID", "external_id", "PART_ID", "part_id", "SKU", "sku", "PRICE", "price",
				"CURRENCY", "currency", "STATUS", "status", "LAST_MODIFIED", "modified_at"),
		},
		models.EntityFitments: {
			Columns: cols(
				"FITMENT_ID", "external_id", "VEHICLE_ID", "vehicle_id", "PART_ID", "part_id", "QUALIFIER_ID", "qualifier_id",
				"POSITION", "position", "QTY", "quantity", "NOTES", "notes", "LAST_MODIFIED", "modified_at"),
		},
	},
}

// column returns the source column mapped to alias.
func (s Schema) column(alias string) (string, bool) {
	for _, c := range s.Columns {
		if c.Alias == alias {
			return c.Source, true
		}
	}
	return "", false
}
