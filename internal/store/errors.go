package store

import "errors"

var errMessageNotSent = errors.New("message not yet acknowledged by the server")
