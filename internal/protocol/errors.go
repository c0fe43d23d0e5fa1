package protocol

import "errors"

// ErrSyncBusy indicates another device of the same user currently holds the
// sync lock.
var ErrSyncBusy = errors.New("another device is syncing")
