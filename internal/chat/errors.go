// Package chat implements the consultation exchange: the HTTP endpoint that
// streams one assistant reply for a transcript, and the client that consumes
// it.
package chat

import (
	"errors"
)

// ErrGenerationFailed marks any failure of the remote exchange: connection
// errors, non-success statuses, mid-stream errors, and timeouts. Callers
// treat it as retryable and must not append a partial assistant message.
var ErrGenerationFailed = errors.New("generation failed")
