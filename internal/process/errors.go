package process

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a supervisor whose child is
	// running or being restarted.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrNoBinary is returned by Start when Spec.Binary is empty.
	ErrNoBinary = errors.New("process: no binary configured")
)

// RecoverableError lets an exit cause say whether restarting could help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a restart should be attempted after err.
// Errors that do not implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}
