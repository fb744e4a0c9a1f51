package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	Fatal(format string, v ...interface{})
	// Printf writes unconditionally to the output stream; it's used by the
	// print sink.
	Printf(format string, v ...interface{})
}

type logger struct {
	zl  zerolog.Logger
	out io.Writer
}

// NewZerolog builds the process-wide zerolog logger. Levels are the ones
// accepted by --loglevel.
func NewZerolog(level string, json bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func NewLogger(zl zerolog.Logger) Logger {
	return &logger{zl: zl, out: os.Stdout}
}

func msg(format string, v ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, v...), "\n")
}

func (l *logger) Debug(format string, v ...interface{}) {
	l.zl.Debug().Msg(msg(format, v...))
}

func (l *logger) Info(format string, v ...interface{}) {
	l.zl.Info().Msg(msg(format, v...))
}

func (l *logger) Warn(format string, v ...interface{}) {
	l.zl.Warn().Msg(msg(format, v...))
}

func (l *logger) Error(format string, v ...interface{}) {
	l.zl.Error().Msg(msg(format, v...))
}

func (l *logger) Fatal(format string, v ...interface{}) {
	l.zl.WithLevel(zerolog.FatalLevel).Msg(msg(format, v...))
	os.Exit(1)
}

func (l *logger) Printf(format string, v ...interface{}) {
	fmt.Fprintf(l.out, format, v...)
}
