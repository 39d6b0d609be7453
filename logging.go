package sgxemm

import "github.com/sirupsen/logrus"

// log is the package-wide structured logger: a package-level instance
// that callers can swap by mutating its formatter/level, never by
// replacing the variable. logrus itself is grounded on gvisor's
// pervasive use of a shared logger instance, not the teacher, which has
// no logging of its own.
var log = logrus.StandardLogger()

// SetLogLevel lets a host process turn up diagnostic verbosity; useful
// when chasing a reserve heap growth or EMA split under a debugger.
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
