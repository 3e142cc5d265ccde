package log

import (
	"io"
	"os"
	"sync"
)

// Level headers prepended to every staged log event
const (
	debugHeader = "[DEBUG]"
	infoHeader  = "[INFO]"
	warnHeader  = "[WARN]"
	errorHeader = "[ERROR]"
)

// Levels defines which levels a sublogger will emit
type Levels struct {
	Debug bool
	Info  bool
	Warn  bool
	Error bool
}

// SubLogger defines an independently switchable logging facility for a
// subsystem
type SubLogger struct {
	name   string
	levels Levels
	output io.Writer
}

var (
	mu         sync.RWMutex
	subLoggers = map[string]*SubLogger{}

	// defaultOutput is inherited by subloggers registered without an
	// explicit writer
	defaultOutput io.Writer = os.Stdout

	// defaultLevels omits debug; SetLevels overrides per sublogger
	defaultLevels = Levels{Info: true, Warn: true, Error: true}
)
