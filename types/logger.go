package types

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const logDir = "/var/log/kairos/"

// NewKairosLogger creates a new logger with the given name and level.
// The level is used to set the log level, defaulting to info
// The log level can be overridden by setting the environment variable $NAME_DEBUG or $NAME_TRACE to any value.
// If quiet is true, the logger will not log to the console.
func NewKairosLogger(name, level string, quiet bool) KairosLogger {
	var writers []io.Writer
	var fileLock *flock.Flock
	var logFile *os.File

	journald := isJournaldAvailable()
	if journald {
		writers = append(writers, getJournaldWriter())
	} else {
		_ = os.MkdirAll(logDir, os.ModeDir|os.ModePerm)
		logFileName := filepath.Join(logDir, fmt.Sprintf("%s.log", name))
		f, err := os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logFile = f
			writers = append(writers, zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339, NoColor: true})
			fileLock = flock.New(logFileName + ".lock")
		}
	}

	if !quiet {
		writers = append(writers, zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.TimeFormat = time.RFC3339
			w.Out = os.Stderr
		}))
	}

	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		l = zerolog.InfoLevel
	}
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if os.Getenv(fmt.Sprintf("%s_DEBUG", envName)) != "" {
		l = zerolog.DebugLevel
	}
	if os.Getenv(fmt.Sprintf("%s_TRACE", envName)) != "" {
		l = zerolog.TraceLevel
	}

	return KairosLogger{
		Logger:   zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(l),
		fileLock: fileLock,
		logFile:  logFile,
		journald: journald,
	}
}

// NewBufferLogger returns a logger writing plain json lines into the given buffer
func NewBufferLogger(b *bytes.Buffer) KairosLogger {
	return KairosLogger{
		Logger:   zerolog.New(b).With().Timestamp().Logger().Level(zerolog.TraceLevel),
		journald: true,
	}
}

func NewNullLogger() KairosLogger {
	return KairosLogger{
		Logger:   zerolog.New(io.Discard),
		journald: true,
	}
}

// KairosLogger is a zerolog logger with the printf style helpers the rest of the code base uses.
type KairosLogger struct {
	zerolog.Logger
	fileLock *flock.Flock
	logFile  *os.File
	journald bool // journald lines do not need the file lock nor the pid prefix
}

// Cleanup closes the log file, if any
func (k *KairosLogger) Cleanup() {
	if k.fileLock != nil {
		_ = k.fileLock.Lock()
		defer func() {
			_ = k.fileLock.Unlock()
			k.fileLock = nil
		}()
	}
	if k.logFile != nil {
		_ = k.logFile.Close()
		k.logFile = nil
	}
}

func (k *KairosLogger) SetLevel(level string) {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	k.Logger = k.Logger.Level(l)
}

func (k KairosLogger) GetLevel() zerolog.Level {
	return k.Logger.GetLevel()
}

func (k KairosLogger) IsDebug() bool {
	return k.Logger.GetLevel() <= zerolog.DebugLevel
}

// emit serializes writes to the shared log file and tags them with our pid so
// concurrent provisioning runs can be told apart.
func (k KairosLogger) emit(ev *zerolog.Event, msg string) {
	if !k.journald && k.fileLock != nil {
		_ = k.fileLock.Lock()
		defer func() { _ = k.fileLock.Unlock() }()
		msg = fmt.Sprintf("[%v] %s", os.Getpid(), msg)
	}
	ev.Msg(msg)
}

func (k KairosLogger) Tracef(tpl string, args ...interface{}) {
	k.emit(k.Logger.Trace(), fmt.Sprintf(tpl, args...))
}

func (k KairosLogger) Debugf(tpl string, args ...interface{}) {
	k.emit(k.Logger.Debug(), fmt.Sprintf(tpl, args...))
}

func (k KairosLogger) Debug(args ...interface{}) {
	k.emit(k.Logger.Debug(), fmt.Sprint(args...))
}

func (k KairosLogger) Infof(tpl string, args ...interface{}) {
	k.emit(k.Logger.Info(), fmt.Sprintf(tpl, args...))
}

func (k KairosLogger) Info(args ...interface{}) {
	k.emit(k.Logger.Info(), fmt.Sprint(args...))
}

func (k KairosLogger) Warnf(tpl string, args ...interface{}) {
	k.emit(k.Logger.Warn(), fmt.Sprintf(tpl, args...))
}

func (k KairosLogger) Warn(args ...interface{}) {
	k.emit(k.Logger.Warn(), fmt.Sprint(args...))
}

func (k KairosLogger) Errorf(tpl string, args ...interface{}) {
	k.emit(k.Logger.Error(), fmt.Sprintf(tpl, args...))
}

func (k KairosLogger) Error(args ...interface{}) {
	k.emit(k.Logger.Error(), fmt.Sprint(args...))
}
