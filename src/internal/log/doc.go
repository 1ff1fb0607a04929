// Package log provides leveled, printf-style logging for fwsync.
//
// The functions are thin wrappers around a global zap sugared logger. Console
// output is colored and human readable; JSON output is meant for log shippers.
//
// # Log Levels
//
//   - DEBUG: Detailed diagnostic information (only shown in verbose mode)
//   - INFO: General informational messages
//   - WARN: Warning messages for potentially problematic situations
//   - ERROR: Error messages for failures
//
// # Example Usage
//
//	log.Init(log.FormatConsole)
//	log.SetVerbose(true)
//	log.Infof("[ipset %s] Restored %d entries", name, n)
//	log.Debugf("Detailed trace: %+v", data)
//
// Errors are written to stderr and everything else to stdout unless SetOutput
// is used to redirect all levels to a single writer.
package log
