// Package log wires the PVML loggers: a leveled console logger for the
// driver itself, two plain loggers that relay child process stdout/stderr
// lines, and a per-job log file that also receives every driver record.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeFormat = "2006-01-02T15:04:05.000"

// AtomicLevel controls the runtime level of the driver logger.
var AtomicLevel = zap.NewAtomicLevel()

var (
	logger       *zap.SugaredLogger
	stdoutLogger *zap.SugaredLogger
	stderrLogger *zap.SugaredLogger
	jobFile      = &jobFileSink{}
)

func init() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	console := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), AtomicLevel)
	core := zapcore.NewTee(console, &fileCore{LevelEnabler: AtomicLevel, sink: jobFile})
	logger = zap.New(core).Sugar()

	streamCfg := encCfg
	streamCfg.TimeKey = ""
	streamCfg.LevelKey = ""
	streamEnc := zapcore.NewConsoleEncoder(streamCfg)
	stdoutLogger = zap.New(zapcore.NewCore(streamEnc, zapcore.Lock(os.Stdout), AtomicLevel)).
		Named("stdout").Sugar()
	stderrLogger = zap.New(zapcore.NewCore(streamEnc, zapcore.Lock(os.Stdout), AtomicLevel)).
		Named("stderr").Sugar()
}

// SetLevel updates the driver logger level from a job order logging level
// (DEBUG, INFO, PROGRESS, WARNING, ERROR). PROGRESS maps to INFO, which is
// the closest zap level.
func SetLevel(level string) {
	switch level {
	case "DEBUG":
		AtomicLevel.SetLevel(zap.DebugLevel)
	case "INFO", "PROGRESS":
		AtomicLevel.SetLevel(zap.InfoLevel)
	case "WARNING":
		AtomicLevel.SetLevel(zap.WarnLevel)
	case "ERROR":
		AtomicLevel.SetLevel(zap.ErrorLevel)
	}
}

func Debugf(format string, a ...interface{}) { logger.Debugf(format, a...) }
func Infof(format string, a ...interface{})  { logger.Infof(format, a...) }
func Warnf(format string, a ...interface{})  { logger.Warnf(format, a...) }
func Errorf(format string, a ...interface{}) { logger.Errorf(format, a...) }

// Stdout relays one line of child process standard output.
func Stdout(line string) { stdoutLogger.Info(line) }

// Stderr relays one line of child process standard error.
func Stderr(line string) { stderrLogger.Info(line) }

// SetJobFile attaches the per-job log file. Records emitted before the
// file exists are buffered and flushed on attach, so driver output from
// before the working directory was created is not lost.
func SetJobFile(path string) error {
	return jobFile.open(path)
}

// CloseJobFile detaches and closes the per-job log file. Safe to call when
// no file is attached.
func CloseJobFile() {
	jobFile.close()
}

// jobFileSink buffers lines until a file is attached, then writes through.
type jobFileSink struct {
	mu     sync.Mutex
	file   *os.File
	buffer []byte
}

func (s *jobFileSink) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		s.buffer = append(s.buffer, p...)
		return
	}
	s.file.Write(p)
}

func (s *jobFileSink) open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	s.file = f
	if len(s.buffer) != 0 {
		s.file.Write(s.buffer)
		s.buffer = nil
	}
	return nil
}

func (s *jobFileSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.buffer = nil
}

// fileCore forwards driver records to the job file sink.
type fileCore struct {
	zapcore.LevelEnabler
	sink   *jobFileSink
	fields []zapcore.Field
}

func (c *fileCore) With(fields []zapcore.Field) zapcore.Core {
	return &fileCore{LevelEnabler: c.LevelEnabler, sink: c.sink, fields: append(c.fields, fields...)}
}

func (c *fileCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *fileCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	line := ent.Time.Format(timeFormat) + " " + ent.Level.CapitalString() + " " + ent.Message + "\n"
	c.sink.write([]byte(line))
	return nil
}

func (c *fileCore) Sync() error { return nil }
