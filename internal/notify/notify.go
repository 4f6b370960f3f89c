// Package notify defines the minimal old/new value hand-off interface
//. The fan-out to subscribers is an external collaborator's
// concern; this package only specifies the shape of what it receives.
package notify

import "hieradb/internal/model"

// Change describes a single write's effect on the tree for the notifier.
type Change struct {
	Path     model.Path
	OldValue *model.Value // nil if the path didn't exist before
	NewValue *model.Value // value or merge patch written at Path; a delete arrives as a patch on the parent's Path whose key holds a tombstone-typed value
}

// Notifier receives the pre- and post-state along a written path.
type Notifier interface {
	Notify(change Change)
}

// NopNotifier discards all notifications, used when no collaborator is
// wired up (e.g. in storage-core-only tests).
type NopNotifier struct{}

func (NopNotifier) Notify(Change) {}
