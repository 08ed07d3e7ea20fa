/*
MIT License

Copyright (c) 2019 Nicolas JUHEL

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package logger is a thin, structured logging facade over logrus used across
// the daemon: every subsystem obtains entries through a FuncLog injection
// point instead of calling logrus directly, so the output sink and level can
// be swapped centrally (stdout during development, a file or syslog hook in
// production) without touching call sites.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// FuncLog is a lazily-resolved logger accessor, passed down to subsystems so
// they do not need to depend on a concrete *Logger at construction time.
type FuncLog func() Logger

// Logger is the façade every subsystem logs through.
type Logger interface {
	SetLevel(lvl Level)
	GetLevel() Level

	SetOutput(w io.Writer)
	SetFields(f Fields)
	GetFields() Fields

	Entry(lvl Level, msg string, args ...interface{}) Entry
}

type logger struct {
	mu  sync.RWMutex
	lg  *logrus.Logger
	fld Fields
}

// New builds a Logger writing to stderr at InfoLevel with the standard
// text formatter.
func New() Logger {
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lg.SetLevel(logrus.InfoLevel)
	lg.SetFormatter(&logrus.TextFormatter{
		ForceColors:      true,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})

	return &logger{
		lg:  lg,
		fld: make(Fields),
	}
}

func (l *logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lg.SetLevel(lvl.Logrus())
}

func (l *logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.lg.GetLevel() {
	case logrus.DebugLevel:
		return DebugLevel
	case logrus.InfoLevel:
		return InfoLevel
	case logrus.WarnLevel:
		return WarnLevel
	case logrus.ErrorLevel:
		return ErrorLevel
	case logrus.FatalLevel:
		return FatalLevel
	case logrus.PanicLevel:
		return PanicLevel
	default:
		return InfoLevel
	}
}

func (l *logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lg.SetOutput(w)
}

func (l *logger) SetFields(f Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fld = f.Clone()
}

func (l *logger) GetFields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fld.Clone()
}

func (l *logger) Entry(lvl Level, msg string, args ...interface{}) Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e := newEntry(l.lg, lvl, msg, args...)
	e.fld = l.fld.Clone()
	return e
}
