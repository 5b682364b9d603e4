package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrTransportClosed    = errors.New("transport closed")
	ErrSendBufferFull     = errors.New("send buffer full")
)
