package fleetlogger // import "github.com/renderfleet/renderfleet/backend/services/fleetlogger"

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/renderfleet/renderfleet/backend/services/metadata"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	// First, define our level-handling logic.
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})
	allPriorities := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return true
	})

	// High-priority output should go to standard error, and low-priority
	// output should go to standard out.
	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()

	// Enable colored output on stdout
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	// Join the outputs, encoders, and level-handling functions into
	// zapcore.Cores, then tee the cores together. The Sentry and Logz.io
	// cores only get created when the environment requires shipping logs.
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	}

	if sentryCore := newSentryCore(zapcore.NewJSONEncoder(newSentryEncoderConfig()), highPriority); sentryCore != nil {
		cores = append(cores, sentryCore)
	}

	if logzCore := newLogzioCore(zapcore.NewJSONEncoder(newLogzioEncoderConfig()), allPriorities); logzCore != nil {
		cores = append(cores, logzCore)
	}

	logger = zap.New(zapcore.NewTee(cores...))
}

// Close flushes all production logging (i.e. Sentry and Logzio).
func Close() {
	logger.Sync()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infow logs a message with additional context fields. Use this variant on
// actions that run per-cycle, so log lines can be traced to the cycle that
// emitted them.
func Infow(msg string, fields []interface{}) {
	logger.Sugar().Infow(msg, fields...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Warning logs an error in red text, like Error, but doesn't send it to
// Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing
// the stack trace and calling the provided global context-cancelling
// function. This causes all the goroutines in the program to kill themselves
// (cleanly). This function should not be used except to initiate termination
// of the entire fleet service. Note that passing in a nil first argument
// would cause this function to _actually_ panic, and if we're gonna panic we
// might as well do so in a useful way.
func Panic(globalCancel context.CancelFunc, err error) {
	PrintStackTrace()

	if globalCancel != nil {
		Error(err)
		globalCancel()
	} else {
		// If we're truly trying to panic, let's at least flush our logging
		// queues first so this error actually gets sent.
		logger.Sync()
		logger.Sugar().Panic(err)
	}
}

// Infof is identical to Info, since Info already respects printf syntax. We
// only include Infof for consistency with Errorf, Warningf, and Panicf.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Warningf is like Warning, but it respects printf syntax, i.e. takes in a
// format string and arguments, for convenience.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Panicf is like Panic, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}

// usingProdLogging returns true when the current environment should ship its
// logs to Sentry and Logz.io. Local development and CI keep everything on
// the console.
func usingProdLogging() bool {
	env := metadata.GetAppEnvironment()
	return env == metadata.EnvProd || env == metadata.EnvStaging
}
