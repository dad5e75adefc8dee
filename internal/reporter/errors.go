package reporter

import "errors"

// ErrChannelFailed wraps the error of a channel that could not be constructed.
var ErrChannelFailed = errors.New("reporter: channel construction failed")
