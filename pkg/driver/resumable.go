package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const (
	// resumableLabel marks retryable change-stream failures on servers 4.4+.
	resumableLabel = "ResumableChangeStreamError"

	// minWireVersionResumableLabel is the first wire version whose servers
	// attach the label; older servers are classified by error code.
	minWireVersionResumableLabel = 9

	cursorNotFoundCode = 43

	ChangeStreamFatalErrorCode  = 280
	ChangeStreamHistoryLostCode = 286
)

// resumableCodes is the pre-4.4 allowlist of retryable server error codes.
var resumableCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	262:   true, // ExceededTimeLimit
	9001:  true, // SocketException
	10107: true, // NotWritablePrimary
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
	63:    true, // StaleShardVersion
	150:   true, // StaleEpoch
	13388: true, // StaleConfig
	234:   true, // RetryChangeStream
	133:   true, // FailedToSatisfyReadPreference
}

var fatalCodes = map[int32]bool{
	ChangeStreamFatalErrorCode:  true,
	ChangeStreamHistoryLostCode: true,
}

// IsResumableError classifies a change-stream cursor error. A resumable
// error means the cursor may be reopened at the cached position; anything
// else is terminal for the stream.
func (d *Dispatcher) IsResumableError(err error, wireVersion int32) bool {
	if err == nil {
		return false
	}
	if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	commandErr := new(mongo.CommandError)
	if !xerrors.As(err, commandErr) && !xerrors.As(err, &commandErr) {
		// not a server response: a broken connection or a timeout on the
		// wire, which a new cursor on a recovered topology may outlive
		return true
	}
	if fatalCodes[commandErr.Code] {
		return false
	}
	if commandErr.Code == cursorNotFoundCode {
		return true
	}
	if wireVersion >= minWireVersionResumableLabel {
		return commandErr.HasErrorLabel(resumableLabel)
	}
	return resumableCodes[commandErr.Code]
}
