/*
Package types defines the Workspace entity: a single user-owned (container,
volume, archive) triple, and the closed sum types that describe its lifecycle.

# Single-Writer Principle

Workspace columns partition cleanly by writer:

	Column                                                Owner
	conditions, phase, observed_at                        pkg/observer
	operation, op_started_at, op_id, archive_key,
	  error_info, error_count, home_ctx                    pkg/operation
	desired_state, deleted_at, last_access_at, ttl
	  fields, identity/meta                                pkg/service

No other package may write outside its column set. This is enforced by
convention, not the type system — reviewers should treat a write from the wrong
package as a correctness bug.

# Phase lattice

Phase moves along an ordered lattice of four levels:

	PENDING <-> ARCHIVED <-> STANDBY <-> RUNNING

plus two orthogonal axes: ERROR (a terminal-until-reset side state) and
DELETING -> DELETED (driven by deleted_at). Adjacent reports whether a proposed
transition crosses exactly one level, which is invariant I5.
*/
package types
