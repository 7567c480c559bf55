package util

import (
	"io"

	"go.ytsaurus.tech/library/go/core/log"
)

// Rollbacks is a cancellable collector of cleanup functions for
// transactional initialization: defer Do() up front, Add a cleanup after
// each acquired resource, Cancel once the owner object is fully built.
// Cleanups run in reverse order. Not thread safe.
type Rollbacks struct {
	canceled bool
	cleanups []func()
}

func (r *Rollbacks) Add(f func()) {
	r.cleanups = append(r.cleanups, f)
}

func (r *Rollbacks) AddCloser(closer io.Closer, logger log.Logger, warningMessage string) {
	r.cleanups = append(r.cleanups, func() {
		if err := closer.Close(); err != nil {
			logger.Warnf("%s: %s", warningMessage, err.Error())
		}
	})
}

func (r *Rollbacks) Do() {
	if r.canceled {
		return
	}
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
}

func (r *Rollbacks) Cancel() {
	r.canceled = true
}
