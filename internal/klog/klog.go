// Package klog is the kernel's structured logger: a package-level logrus
// entry pre-tagged with the fields every subsystem wants on every record
// (subsystem, cpu). Panics from kernel-bug assertions still go through Go's
// panic(), but are preceded by a Fatal-level structured record so the last
// lines before a crash carry the same fields as everything before it.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

/// SetLevel adjusts the global verbosity, e.g. logrus.DebugLevel under a
/// debug boot config.
func SetLevel(lvl logrus.Level) { base.SetLevel(lvl) }

/// For returns a logger pre-tagged for one subsystem ("pmem", "sched", ...).
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

/// ForCPU returns a logger tagged with both subsystem and logical CPU id.
func ForCPU(subsystem string, cpu int) *logrus.Entry {
	return base.WithFields(logrus.Fields{"subsystem": subsystem, "cpu": cpu})
}

/// Panic logs a Fatal-level record describing a kernel-bug condition, then
/// panics with the same message. Mirrors the teacher's kassert/XXXPANIC
/// convention: an assertion violation is never recoverable.
func Panic(entry *logrus.Entry, msg string, fields logrus.Fields) {
	entry.WithFields(fields).Log(logrus.FatalLevel, msg)
	panic(msg)
}
