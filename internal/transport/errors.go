package transport

import "errors"

var errNotConnected = errors.New("transport: connection not established")
