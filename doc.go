// Package catalogsync imports and continuously reconciles automotive catalog
// reference data (vehicles, parts, qualifiers, attributes, products and
// fitments) from legacy sources into a central PostgreSQL store.
//
// # Architecture
//
// Data flows through four layers:
//
// 1. Connectors (pkg/connector) extract raw records from flat files, a
// desktop database or the midrange catalog behind one capability contract.
//
// 2. The mapper (pkg/mapper) holds the per-source schema table and turns an
// entity type plus filters into a source-specific query.
//
// 3. Importers (pkg/importer) convert raw records into validated entities,
// defer records whose references are not yet loaded and write batches to
// the store (pkg/store).
//
// 4. The pipeline (internal/pipeline) runs one import as an explicit state
// machine with bounded batches, while the sync service
// (internal/syncservice) schedules incremental pipeline runs against the
// midrange source and persists a watermark per entity type.
//
// # Quick Start
//
// One-shot import of a vehicle extract:
//
//	catalogsync import --source-type file --entity-type vehicles \
//	    --file-path /data/VEHMST.csv --config catalogsync.yaml
//
// Continuous sync with metrics:
//
//	catalogsync sync --config catalogsync.yaml --metrics-addr :9090
//
// Programmatic use:
//
//	conn, _ := registry.Create(models.SourceMidrange, cfg)
//	p, err := pipeline.New(conn, mapper.Default(), st, cfg.Pipeline, pipeline.Options{
//	    EntityType: models.EntityAll,
//	}, logger.Get())
//	if err != nil {
//	    return err
//	}
//	report, err := p.Run(ctx)
package catalogsync
