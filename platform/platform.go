// Package platform talks to the automation platform: it pushes chat events
// to platform users and serves the calls the platform makes into the bridge.
package platform

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotSupported = errors.New("function not supported")
	ErrBadArguments = errors.New("bad arguments")
	// ErrDelivery means the chat platform refused or failed a send.
	ErrDelivery = errors.New("delivery failed")
	ErrEmit     = errors.New("cannot emit event")
)

// Event is a notification addressed to one platform user.
type Event struct {
	ID       string          `json:"id"`
	ToUserID string          `json:"to_user"`
	Key      string          `json:"key"`
	Content  string          `json:"content"`
	RawEvent json.RawMessage `json:"raw_event,omitempty"`
}

// RoomInfo describes a chat room as shown on the platform side.
type RoomInfo struct {
	Name string `json:"name"`
}
