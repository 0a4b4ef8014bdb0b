// Package log is the leveled logging sink used across doorstop.
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	log "github.com/sirupsen/logrus"
)

var level atomic.Int32

type DoorstopFormatter struct{}

func (f *DoorstopFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	b.WriteString("[Doorstop] ")
	b.WriteString(entry.Time.Format("2006/01/02 15:04:05"))
	b.WriteString(fmt.Sprintf(" |%.4s| ", entry.Level))
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func init() {
	level.Store(int32(INFO))
	log.SetOutput(os.Stderr)
	log.SetLevel(log.DebugLevel)
	log.SetFormatter(&DoorstopFormatter{})
}

func Infoln(format string, v ...any) {
	print(INFO, format, v...)
}

func Warnln(format string, v ...any) {
	print(WARNING, format, v...)
}

func Errorln(format string, v ...any) {
	print(ERROR, format, v...)
}

func Debugln(format string, v ...any) {
	print(DEBUG, format, v...)
}

func Level() LogLevel {
	return LogLevel(level.Load())
}

func SetLevel(newLevel LogLevel) {
	level.Store(int32(newLevel))
}

// SetWriter redirects log output, mainly for tests.
func SetWriter(w io.Writer) {
	log.SetOutput(w)
}

// SetOutput sends log output to a rotating file. An empty name keeps the
// current writer.
func SetOutput(file string, maxSize, maxBackups, maxAge int, compress bool) {
	if file != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSize, // megabytes
			MaxBackups: maxBackups,
			MaxAge:     maxAge,   //days
			Compress:   compress, // disabled by default
		})
	}
}

func print(logLevel LogLevel, format string, v ...any) {
	if logLevel < Level() {
		return
	}

	payload := fmt.Sprintf(format, v...)
	switch logLevel {
	case INFO:
		log.Infoln(payload)
	case WARNING:
		log.Warnln(payload)
	case ERROR:
		log.Errorln(payload)
	case DEBUG:
		log.Debugln(payload)
	}
}
