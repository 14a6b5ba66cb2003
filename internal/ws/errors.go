package ws

import "errors"

var (
	errClosed          = errors.New("connection closed")
	errWriteBufferFull = errors.New("outbound buffer full")
)
