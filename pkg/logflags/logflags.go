package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var synth = false
var elfLayer = false
var cfi = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{
	DisableTimestamp: true,
}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that prints everything down to debug
// messages when flag is set and only warnings and errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.WarnLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Synth returns true if the region driver should log.
func Synth() bool {
	return synth
}

// SynthLogger returns a logger for the region driver and the output sinks.
func SynthLogger() Logger {
	return makeFlaggableLogger(synth, Fields{"layer": "synth"})
}

// ELF returns true if section surgery should be logged.
func ELF() bool {
	return elfLayer
}

// ELFLogger returns a logger for the elfwriter package.
func ELFLogger() Logger {
	return makeFlaggableLogger(elfLayer, Fields{"layer": "elf"})
}

// CFI returns true if the call frame instruction encoder should log.
func CFI() bool {
	return cfi
}

// CFILogger returns a logger for the call frame instruction encoder.
func CFILogger() Logger {
	return makeFlaggableLogger(cfi, Fields{"layer": "cfi"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ehsynth-logs")
		} else {
			fh, err := os.OpenFile(logDest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	textFormatterInstance.DisableColors = !outIsTerminal()
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "synth"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "synth":
			synth = true
		case "elf":
			elfLayer = true
		case "cfi":
			cfi = true
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

func outIsTerminal() bool {
	if logOut == nil {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	if f, ok := logOut.(*os.File); ok {
		return isatty.IsTerminal(f.Fd())
	}
	return false
}
