// Package stockd implements an oversell-safe inventory-purchase core over
// two stores: a Redis tier holding the hot per-product stock counters used
// for admission control, and a Postgres store holding the product registry
// and the append-only purchase ledger.
//
// Safety comes from two independent defenses. A lease-based mutex (single
// endpoint, or a Redlock quorum across N endpoints) serializes writers, and
// a server-side Lua script makes the stock decrement conditional and atomic
// at the store, so even a writer whose lease expired cannot push a counter
// below zero.
//
// The purchase path is a saga: decrement the hot counter, then write the
// ledger row and refresh the relational stock mirror in one transaction.
// When the transaction fails, the counter is restored with a compensating
// increment sized to the failed request, preserving decrements committed by
// concurrent purchases in the meantime.
package stockd
