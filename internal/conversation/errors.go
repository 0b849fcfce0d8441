package conversation

import "errors"

var (
	// ErrUnknownInboundMessage indicates AppendResponse was called for a
	// message id that was never recorded. This is a coordination bug in the
	// caller, not a user-triggerable condition.
	ErrUnknownInboundMessage = errors.New("unknown inbound message")
)
