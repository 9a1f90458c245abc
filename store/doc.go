// Package store implements the Entity Reconciliation Store component.
//
// One logical store holds reconciled records for every entity kind
// (mission, drone, discovery, chat message), keyed by (kind, id). Updates
// arrive as partial deltas and are shallow-merged onto existing records;
// version numbers are monotonically non-decreasing per entity. Callers
// only ever see copies; internal maps never escape.
package store
