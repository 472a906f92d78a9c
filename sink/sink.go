// Package sink abstracts where fanned-out detection results go: the local
// broadcast server's subscriber set, or an outward connection to a remote
// relay. A session's sink set is fixed at construction time.
package sink

// Sink receives one serialized detection payload per consumed frame.
type Sink interface {
	Start() error
	Stop() error
	Reset()
	Broadcast(payload any) error
}
