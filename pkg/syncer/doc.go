/*
Package syncer runs the ledger→graph sync pipeline.

Three cooperating tasks form the engine:

	┌──────────────┐   bounded   ┌──────────────┐
	│ stream driver │──channel──▶│ batch writer │──▶ graph store
	└──────┬───────┘             └──────┬───────┘
	       │ bearer token               │ advance
	┌──────▼───────┐             ┌──────▼───────┐
	│ token manager │             │ offset       │
	│ (pkg/auth)    │             │ tracker      │
	└──────────────┘             └──────────────┘

The stream driver opens the update subscription with the current bearer
token, projects each update into Cypher mutations and queues them. The
batch writer drains the queue, commits batches transactionally and
advances the offset tracker only after a successful commit. On
reconnect the driver reads the tracker, so the boundary is gap-free and
duplicate-free: every statement is an idempotent MERGE, and no offset
at or below the committed one is streamed again.

One shutdown signal cancels all tasks. The writer flushes what it has;
anything unflushed is re-fetched on the next run.
*/
package syncer
