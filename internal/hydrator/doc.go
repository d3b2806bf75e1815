// Package hydrator defines the core types shared by the bulk hydration
// pipeline: records, batches, run statistics, the error taxonomy, and the
// capability interfaces implemented by the invoker, enricher, and stores.
package hydrator
