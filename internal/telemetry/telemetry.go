// Package telemetry provides the structured logging sink used by the
// program cache's Stats.Submit and by the cooperative loader's
// panic-recovery path. It plays the role the original validator's
// log/datapoint_info! macros play at the same call sites.
package telemetry

import "github.com/sirupsen/logrus"

// Log is the package-level entry used throughout programcache and
// cacheloader. Tests may redirect its output via logrus.SetOutput.
var Log = logrus.WithField("component", "program-cache")

// WithFields is a small convenience wrapper so call sites don't need to
// import logrus directly just to build a *logrus.Entry.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}
