package chatsync

import "errors"

var (
	ErrNotConnected     = errors.New("chatsync: not connected")
	ErrNoCredential     = errors.New("chatsync: empty credential")
	ErrSendBufferFull   = errors.New("chatsync: send buffer full")
	ErrEngineStopped    = errors.New("chatsync: engine stopped")
	ErrMalformedMessage = errors.New("chatsync: malformed message")
)
