package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Verbose is set by the CLI flag to enable debug logging
var Verbose bool

// LogWriter can be overwritten by tests to suppress log output
var LogWriter io.Writer = os.Stdout

var infoLogger, warningLogger, errorLogger, debugLogger *Logger

var (
	boldColor   = color.New(color.Bold)
	noticeColor = color.New(color.FgCyan)
)

func init() {
	infoLogger = newLogger("INFO", color.New(color.FgBlue))
	warningLogger = newLogger("WARNING", color.New(color.FgYellow))
	errorLogger = newLogger("ERROR", color.New(color.FgRed))
	debugLogger = newLogger("DEBUG", color.New(color.FgCyan))
}

// Logger writes prefixed, timestamped lines to the LogWriter.
type Logger struct {
	prefix string
	color  *color.Color
	scope  string
}

func newLogger(prefix string, c *color.Color) *Logger {
	return &Logger{prefix: prefix, color: c}
}

func (l *Logger) getPrefix() string {
	return l.color.Sprintf("[%s]", l.prefix)
}

const timeFormat = "2006/01/02 15:04:05"

func (l *Logger) getTime() string {
	return noticeColor.Sprint(time.Now().Local().Format(timeFormat))
}

func (l *Logger) seedLine() string {
	seed := fmt.Sprint(l.getTime(), "  ", l.getPrefix(), "\t")
	if l.scope != "" {
		seed = seed + noticeColor.Sprintf("%s: ", l.scope)
	}
	return seed
}

// Println writes the given args as a single line.
func (l *Logger) Println(args ...interface{}) {
	line := strings.TrimSuffix(fmt.Sprintln(args...), "\n")
	fmt.Fprintln(LogWriter, l.seedLine()+boldColor.Sprint(line))
}

// Printf writes the formatted string as a single line.
func (l *Logger) Printf(fstr string, args ...interface{}) {
	line := strings.TrimSuffix(fmt.Sprintf(fstr, args...), "\n")
	fmt.Fprintln(LogWriter, l.seedLine()+boldColor.Sprint(line))
}

// TailReader will follow the given reader and send its contents
// to a dedicated logger configured with the given prefix.
func TailReader(prefix string, rdr io.Reader) {
	l := newLogger(prefix, color.New(color.FgBlue))
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		l.Println(text)
	}
}

// NodeLogger is a set of loggers scoped to a single node. Every line is
// prefixed with the node name.
type NodeLogger struct {
	info, warning, errors, debug *Logger
}

// ForNode returns a NodeLogger for the node with the given name.
func ForNode(name string) *NodeLogger {
	scoped := func(l *Logger) *Logger { return &Logger{prefix: l.prefix, color: l.color, scope: name} }
	return &NodeLogger{
		info:    scoped(infoLogger),
		warning: scoped(warningLogger),
		errors:  scoped(errorLogger),
		debug:   scoped(debugLogger),
	}
}

// Info logs at the info level.
func (n *NodeLogger) Info(args ...interface{}) { n.info.Println(args...) }

// Infof logs a formatted line at the info level.
func (n *NodeLogger) Infof(fstr string, args ...interface{}) { n.info.Printf(fstr, args...) }

// Warningf logs a formatted line at the warning level.
func (n *NodeLogger) Warningf(fstr string, args ...interface{}) { n.warning.Printf(fstr, args...) }

// Errorf logs a formatted line at the error level.
func (n *NodeLogger) Errorf(fstr string, args ...interface{}) { n.errors.Printf(fstr, args...) }

// Debug logs at the debug level when Verbose is set.
func (n *NodeLogger) Debug(args ...interface{}) {
	if Verbose {
		n.debug.Println(args...)
	}
}

// Debugf logs a formatted line at the debug level when Verbose is set.
func (n *NodeLogger) Debugf(fstr string, args ...interface{}) {
	if Verbose {
		n.debug.Printf(fstr, args...)
	}
}

// Info is the equivalent of a log.Println on the info logger.
func Info(args ...interface{}) {
	infoLogger.Println(args...)
}

// Infof is the equivalent of a log.Printf on the info logger.
func Infof(fstr string, args ...interface{}) {
	infoLogger.Printf(fstr, args...)
}

// Warning is the equivalent of a log.Println on the warning logger.
func Warning(args ...interface{}) {
	warningLogger.Println(args...)
}

// Warningf is the equivalent of a log.Printf on the warning logger.
func Warningf(fstr string, args ...interface{}) {
	warningLogger.Printf(fstr, args...)
}

// Error is the equivalent of a log.Println on the error logger.
func Error(args ...interface{}) {
	errorLogger.Println(args...)
}

// Errorf is the equivalent of a log.Printf on the error logger.
func Errorf(fstr string, args ...interface{}) {
	errorLogger.Printf(fstr, args...)
}

// Fatal logs the given args on the error logger and exits.
func Fatal(args ...interface{}) {
	errorLogger.Println(args...)
	os.Exit(1)
}

// Debug is the equivalent of a log.Println on the debug logger.
func Debug(args ...interface{}) {
	if Verbose {
		debugLogger.Println(args...)
	}
}

// Debugf is the equivalent of a log.Printf on the debug logger.
func Debugf(fstr string, args ...interface{}) {
	if Verbose {
		debugLogger.Printf(fstr, args...)
	}
}

// Redact replaces every occurrence of the given secrets in line.
func Redact(line string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		line = strings.Replace(line, secret, "<redacted>", -1)
	}
	return line
}
