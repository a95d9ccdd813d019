package consts

import "errors"

var (
	ErrMessageNotFound  = errors.New("queued message not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrMalformedAddress = errors.New("malformed address")

	ErrQueueEmpty     = errors.New("no message ready for delivery")
	ErrPayloadCorrupt = errors.New("payload checksum mismatch")
	ErrTerminalState  = errors.New("recipient already in terminal state")

	ErrPolicyReject     = errors.New("rejected by policy")
	ErrPolicyGreylisted = errors.New("greylisted, try again later")
	ErrPolicyRateLimit  = errors.New("rate limit exceeded")
	ErrPolicyBlacklist  = errors.New("blacklisted")
	ErrRelayDenied      = errors.New("relaying denied")

	ErrAuthFailed    = errors.New("authentication failed")
	ErrAuthLockedOut = errors.New("too many authentication failures")

	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
