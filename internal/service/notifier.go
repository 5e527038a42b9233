// Package service provides the presence stores and their lifecycle logic.
package service

import (
	"github.com/capitalize-ai/board-presence/internal/model"
)

// Notifier receives store mutations. Implementations must not block.
type Notifier interface {
	Notify(change model.Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(change model.Change)

// Notify calls f.
func (f NotifierFunc) Notify(change model.Change) {
	f(change)
}

// Notifiers fans a change out to several notifiers.
type Notifiers []Notifier

// Notify forwards change to every non-nil notifier.
func (n Notifiers) Notify(change model.Change) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.Notify(change)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(model.Change) {}
