package channel

import "errors"

var (
    ErrSubscribe      = errors.New("channel: subscribe failed")
    ErrDecode         = errors.New("channel: decode failed")
    ErrEncode         = errors.New("channel: encode failed")
    ErrStopped        = errors.New("channel: stopped")
    ErrOutboxFull     = errors.New("channel: outbox full")
    ErrAlreadyStarted = errors.New("channel: already started")
    ErrNotStarted     = errors.New("channel: not started")
    ErrInvalidOptions = errors.New("channel: invalid options")
)
