// Package logger is a thin wrapper of zerolog with
// the console format of the voicemesh apps.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Level int8

const (
	TraceLevel = Level(zerolog.TraceLevel)
	DebugLevel = Level(zerolog.DebugLevel)
	InfoLevel  = Level(zerolog.InfoLevel)
	WarnLevel  = Level(zerolog.WarnLevel)
	ErrorLevel = Level(zerolog.ErrorLevel)
	Disabled   = Level(zerolog.Disabled)
)

func (l Level) String() string { return zerolog.Level(l).String() }

// Common context fields.
const (
	// DirectionField shows the x -> y direction of a packet.
	DirectionField = "d"
	// ClientField is a short id of a network connection.
	ClientField = "c"
	// PeerField is a remote participant of the voice mesh.
	PeerField = "peer"
	// ModuleField is a part of the app that writes the log.
	ModuleField = "m"
)

var pid = os.Getpid()

type Logger struct {
	logger *zerolog.Logger
}

func level(debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// New makes a JSON logger into stderr.
func New(debug bool) *Logger {
	zerolog.SetGlobalLevel(level(debug))
	l := zerolog.New(os.Stderr).With().Timestamp().Int("pid", pid).Logger()
	return &Logger{logger: &l}
}

// NewConsole makes a human-friendly logger.
// The tag param is a short name of the application (r - relay, v - voice client).
func NewConsole(debug bool, tag string, noColor bool) *Logger {
	zerolog.SetGlobalLevel(level(debug))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05.0000",
		NoColor:    noColor,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			"pid",
			zerolog.LevelFieldName,
			"s",
			DirectionField,
			ClientField,
			ModuleField,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"pid", "s", DirectionField, ClientField, ModuleField},
	}
	if noColor {
		out.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
	}
	l := zerolog.New(out).With().
		Str("pid", fmt.Sprintf("%4x", pid)).
		Str("s", tag).
		Str(ModuleField, "").
		Str(DirectionField, " ").
		Str(ClientField, " ").
		Timestamp().Logger()
	return &Logger{logger: &l}
}

// Default is the global zerolog logger.
func Default() *Logger { return &Logger{logger: &log.Logger} }

// Nop returns a disabled logger.
func Nop() *Logger { l := zerolog.Nop(); return &Logger{logger: &l} }

// Extend makes a child logger from the context,
// e.g. log.Extend(log.With().Str(PeerField, id)).
func (l *Logger) Extend(ctx zerolog.Context) *Logger {
	child := ctx.Logger()
	return &Logger{logger: &child}
}

func (l *Logger) GetLevel() Level                            { return Level(l.logger.GetLevel()) }
func (l *Logger) With() zerolog.Context                      { return l.logger.With() }
func (l *Logger) Level(lvl zerolog.Level) zerolog.Logger     { return l.logger.Level(lvl) }
func (l *Logger) WithLevel(lvl zerolog.Level) *zerolog.Event { return l.logger.WithLevel(lvl) }

// Events must be finished with Msg or Send.

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Fatal calls os.Exit(1) after the message.
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }
