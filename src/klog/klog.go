// Package klog provides the structured logging used for invariant
// violations across the kernel core. Per spec.md §7 class 3, an invariant
// violation is fatal and is not selectively recovered from; Fatal logs the
// offending subsystem, address, and PTE bits (Design Notes §9) and then
// panics so a caller higher up cannot accidentally swallow it.
package klog

import "github.com/sirupsen/logrus"

var log = logrus.StandardLogger()

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Fatal logs msg with the given structured fields under the named
// subsystem and panics. Fields are passed as alternating key/value pairs,
// e.g. Fatal("pgtbl", "va", va, "pte", pte, "remap")
func Fatal(subsystem string, rest ...interface{}) {
	var msg string
	fields := logrus.Fields{"subsystem": subsystem}
	for i := 0; i+1 < len(rest); i += 2 {
		key, ok := rest[i].(string)
		if !ok {
			break
		}
		fields[key] = rest[i+1]
	}
	if len(rest)%2 == 1 {
		if s, ok := rest[len(rest)-1].(string); ok {
			msg = s
		}
	}
	log.WithFields(fields).Error(msg)
	panic(subsystem + ": " + msg)
}

// Debugf logs a low-priority trace message, used in place of the teaching
// kernel's ad-hoc fmt.Printf debug statements.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}
