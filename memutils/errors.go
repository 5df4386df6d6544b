package memutils

import "github.com/cockroachdb/errors"

// ErrOutOfRange is the error returned from CheckRange if the range being tested does not fit
// within its container
var ErrOutOfRange error = errors.New("range does not fit within its container")
