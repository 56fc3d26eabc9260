// Package models defines the catalog data model shared by connectors,
// importers, the pipeline and the sync service: entity and source types,
// raw source records, validated domain entities, import results and the
// persisted sync history.
package models
