// Package connector is the extraction layer of catalogsync. Every source
// technology is exposed through the same capability contract, so the
// pipeline never knows whether it reads a flat file, a desktop database or
// the midrange catalog.
//
// # Architecture Overview
//
// The connector package is organized into several sub-packages:
//
//   - core: the Connector, Session and BatchStream contracts plus the
//     source-neutral Query and RowFilter types.
//
//   - base: BaseConnector with bounded exponential-backoff connect retries,
//     classification of driver errors into connection and authentication
//     failures, WithSession scoped acquisition, a query rate limiter and a
//     database/sql session shared by the SQL variants.
//
//   - sources: the file, desktop and midrange variants. Each registers a
//     factory from init; importing sources registers all of them.
//
//   - registry: maps a SourceType to its factory.
//
// # Core Concepts
//
// A Connector is cheap to build and holds only configuration. Connect opens
// a Session, which is not safe for concurrent Fetch calls. Fetch returns a
// finite, non-restartable BatchStream; re-reading requires a new Fetch with
// an adjusted query. Sessions are always released through WithSession so
// Close runs on every exit path.
//
// Authentication failures are never retried. Transient network failures
// are retried up to connect_retry.attempts times.
//
// # Example Usage
//
//	conn, err := registry.Create(models.SourceMidrange, cfg)
//	if err != nil {
//		return err
//	}
//	q, err := mapper.Default().GenerateQuery(models.SourceMidrange, models.EntityVehicles, nil)
//	if err != nil {
//		return err
//	}
//	err = base.WithSession(ctx, conn, func(sess core.Session) error {
//		stream, err := sess.Fetch(ctx, q, 1000)
//		if err != nil {
//			return err
//		}
//		defer stream.Close()
//		for {
//			batch, err := stream.Next(ctx)
//			if err == io.EOF {
//				return nil
//			}
//			if err != nil {
//				return err
//			}
//			process(batch)
//		}
//	})
package connector
