// Package store defines the persistence contracts for pairing approvals
// and peer activity.
package store

import "time"

// PairingRequest is a pending request from an unknown direct sender.
type PairingRequest struct {
	Channel   string
	NodeID    string
	Name      string
	Code      string
	CreatedAt time.Time
}

// PairingMeta carries optional detail about the requesting node.
type PairingMeta struct {
	Name string
}

// PairingStore persists pairing requests and approvals per channel.
type PairingStore interface {
	// AllowFrom lists node ids approved for the channel.
	AllowFrom(channel string) ([]string, error)
	// UpsertRequest records a pairing request. created is true only the
	// first time a given (channel, node) pair asks; repeats return the
	// existing code.
	UpsertRequest(channel, nodeID string, meta PairingMeta) (code string, created bool, err error)
	// Approve promotes the request matching code to the allowlist and
	// returns the node id it belonged to.
	Approve(channel, code string) (nodeID string, err error)
	// ListRequests returns pending requests for the channel, oldest first.
	ListRequests(channel string) ([]PairingRequest, error)
}

// ActivityStore records when a peer was last heard from or replied to.
type ActivityStore interface {
	Record(channel, account, kind, peer string) error
}
