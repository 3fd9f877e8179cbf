// Package types provides common types used across the credits engine.
package types

import "time"

// Entity carries creation and update timestamps. Embed it in stored
// domain types.
type Entity struct {
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewEntity creates a new Entity stamped with now in UTC.
func NewEntity(now time.Time) Entity {
	now = now.UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch sets UpdatedAt.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC()
}

// Tx is an opaque transaction token owned by the caller. The engine passes
// it to every store call of one operation unchanged and never opens,
// commits or rolls back a transaction itself. Each store adapter documents
// the concrete type it accepts (pgx.Tx, *sql.Tx, a mongo session). A nil Tx
// means "no transaction".
type Tx any
