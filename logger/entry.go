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

package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Entry is a single in-flight log record: a level, a message, fields and an
// optional error, built fluently and flushed with Log/Check.
type Entry struct {
	lvl Level
	msg string
	fld Fields
	err error
	log *logrus.Logger
}

func newEntry(log *logrus.Logger, lvl Level, msg string, args ...interface{}) Entry {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	return Entry{
		lvl: lvl,
		msg: msg,
		fld: make(Fields),
		log: log,
	}
}

// FieldAdd attaches a structured field to the entry and returns it for chaining.
func (e Entry) FieldAdd(key string, val interface{}) Entry {
	e.fld = e.fld.Add(key, val)
	return e
}

// ErrorAdd attaches an error to the entry. If mandatory is false and err is
// nil, the entry is left untouched so the call can be unconditional.
func (e Entry) ErrorAdd(mandatory bool, err error) Entry {
	if err == nil && !mandatory {
		return e
	}
	e.err = err
	return e
}

// Log flushes the entry to the backing logger at its configured level.
func (e Entry) Log() {
	if e.log == nil {
		return
	}

	f := e.fld
	if e.err != nil {
		f = f.Add("error", e.err.Error())
	}

	le := e.log.WithFields(f.logrus())

	switch e.lvl {
	case DebugLevel:
		le.Debug(e.msg)
	case InfoLevel:
		le.Info(e.msg)
	case WarnLevel:
		le.Warn(e.msg)
	case ErrorLevel:
		le.Error(e.msg)
	case FatalLevel:
		le.Error(e.msg)
	case PanicLevel:
		le.Error(e.msg)
	}
}

// Check always logs the entry: at okLevel when it carries no error, and at
// its own level when it does. It is the idiomatic way to log a "debug on
// success, configured level on failure" pair produced by getLogEntryErr-style helpers.
func (e Entry) Check(okLevel Level) {
	if e.err == nil {
		e.lvl = okLevel
	}
	e.Log()
}
