package relay

import "errors"

var errStoreFailed = errors.New("offline store unavailable")
