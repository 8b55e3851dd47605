package service

import (
	"github.com/sirupsen/logrus"
)

// storeFallback runs a store-backed check and substitutes fallback when the
// store faults. Admission checks pass their "allow" outcome as the fallback
// so a flaky store never blocks legitimate traffic; mutual-exclusion paths
// must NOT use this helper since they fail closed.
func storeFallback[T any](log *logrus.Logger, op string, fallback T, fn func() (T, error)) T {
	value, err := fn()
	if err != nil {
		log.WithError(err).Warnf("Store fault during %s, failing open", op)
		recordStoreFault(op)
		return fallback
	}
	return value
}
