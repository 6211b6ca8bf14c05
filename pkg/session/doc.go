// Package session holds the authoritative in-memory state of every shared
// table session: the combat roster, the dice roller and the battlefield.
//
// Invariants:
// - Lookups never fail; unseen session ids are materialised with defaults.
// - Every id in a combat session's monster order appears at most once.
// - Battlefield scale and piece size are always stored clamped.
// - Roll history never holds more than its configured limit.
//
// The Registry is not safe for concurrent use. It is owned by the
// synchronizer event loop, which is its only writer.
//
// Usage:
//
//	reg := session.NewRegistry()
//	combat := reg.Combat("table-1")
//	combat.PutMonster(session.Monster{ID: "goblin-1", Name: "Goblin"})
package session
