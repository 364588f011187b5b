// Package comms provides the notification bus between running tasks and the
// command surface. Task lifecycle changes, step progress and confirmation
// prompts are published per owner so the interface a user talks through can
// relay them.
package comms

import (
	"context"
	"time"
)

// NoticeType identifies the kind of task notification.
type NoticeType string

const (
	TypeTaskStarted  NoticeType = "task_started"
	TypeTaskStep     NoticeType = "task_step"
	TypeConfirmation NoticeType = "confirmation_required"
	TypeTaskFinished NoticeType = "task_finished"
)

// Notice is one notification about a task, addressed to its owner.
type Notice struct {
	ID        string            `json:"id"`
	Type      NoticeType        `json:"type"`
	Owner     string            `json:"owner"`
	TaskID    string            `json:"task_id"`
	Subject   string            `json:"subject"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes notices delivered to an owner.
type Handler func(ctx context.Context, n *Notice) error

// Bus delivers task notices to subscribed owners.
type Bus interface {
	// Publish delivers a notice to every subscriber of n.Owner.
	Publish(ctx context.Context, n *Notice) error

	// Subscribe registers a handler for notices addressed to owner.
	// Returns an unsubscribe function.
	Subscribe(owner string, handler Handler) (unsubscribe func())

	// History returns the most recent notices for owner, oldest first.
	History(owner string, limit int) ([]*Notice, error)
}
