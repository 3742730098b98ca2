package hub

import "errors"

var errClientNotFound = errors.New("hub: client not found")
