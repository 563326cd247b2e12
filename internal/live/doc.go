// Package live is the Live Query Engine: it evaluates queryir queries
// over the Entity Stores of a registry and maintains shared, subscribed
// views.
//
// Evaluation is a full re-run of the pipeline (nested-loop joins, filter,
// group and aggregate, project, stable sort, offset/limit) whenever a
// store the query reads changes. A view delivers a result only when its
// canonical encoding differs from the previous delivery.
package live
