package log

import (
	"fmt"
	"io"
	"time"
)

// NewSubLogger registers a new sublogger under name, inheriting the package
// default output and levels. Registering a duplicate name returns the
// already-registered instance.
func NewSubLogger(name string) *SubLogger {
	mu.Lock()
	defer mu.Unlock()
	if sl, ok := subLoggers[name]; ok {
		return sl
	}
	sl := &SubLogger{
		name:   name,
		levels: defaultLevels,
		output: defaultOutput,
	}
	subLoggers[name] = sl
	return sl
}

// SetGlobalOutput redirects every registered sublogger and the package
// default to w
func SetGlobalOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultOutput = w
	for _, sl := range subLoggers {
		sl.output = w
	}
}

// SetLevels overrides the emitted levels for a sublogger
func SetLevels(sl *SubLogger, l Levels) {
	mu.Lock()
	defer mu.Unlock()
	sl.levels = l
}

// SetGlobalLevels overrides the emitted levels for every registered sublogger
func SetGlobalLevels(l Levels) {
	mu.Lock()
	defer mu.Unlock()
	defaultLevels = l
	for _, sl := range subLoggers {
		sl.levels = l
	}
}

func (sl *SubLogger) stage(header, data string) {
	fmt.Fprintf(sl.output, "%s %s %s %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		header,
		sl.name,
		data)
}

// Debug logs a debug level message
func Debug(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Debug {
		return
	}
	sl.stage(debugHeader, data)
}

// Debugf logs a formatted debug level message
func Debugf(sl *SubLogger, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Debug {
		return
	}
	sl.stage(debugHeader, fmt.Sprintf(format, v...))
}

// Info logs an info level message
func Info(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Info {
		return
	}
	sl.stage(infoHeader, data)
}

// Infof logs a formatted info level message
func Infof(sl *SubLogger, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Info {
		return
	}
	sl.stage(infoHeader, fmt.Sprintf(format, v...))
}

// Warn logs a warning level message
func Warn(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Warn {
		return
	}
	sl.stage(warnHeader, data)
}

// Warnf logs a formatted warning level message
func Warnf(sl *SubLogger, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Warn {
		return
	}
	sl.stage(warnHeader, fmt.Sprintf(format, v...))
}

// Error logs an error level message
func Error(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Error {
		return
	}
	sl.stage(errorHeader, data)
}

// Errorf logs a formatted error level message
func Errorf(sl *SubLogger, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !sl.levels.Error {
		return
	}
	sl.stage(errorHeader, fmt.Sprintf(format, v...))
}
