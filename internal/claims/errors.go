package claims

import "errors"

var (
	ErrNotFound         = errors.New("claims: not found")
	ErrClaimLocked      = errors.New("claims: claim already submitted")
	ErrNotAwaitingReply = errors.New("claims: claim is not awaiting a merchant response")
	ErrEmptyInput       = errors.New("claims: empty input")
)
