package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJobFileSinkBuffersUntilAttached(t *testing.T) {
	s := &jobFileSink{}
	s.write([]byte("early\n"))

	path := filepath.Join(t.TempDir(), "pvml.log")
	require.NoError(t, s.open(path))
	s.write([]byte("late\n"))
	s.close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "early\nlate\n", string(data))

	// writes after close buffer again instead of hitting a closed file
	s.write([]byte("after\n"))
}

func TestSetLevel(t *testing.T) {
	defer AtomicLevel.SetLevel(zap.InfoLevel)

	SetLevel("DEBUG")
	require.Equal(t, zap.DebugLevel, AtomicLevel.Level())
	SetLevel("PROGRESS")
	require.Equal(t, zap.InfoLevel, AtomicLevel.Level())
	SetLevel("WARNING")
	require.Equal(t, zap.WarnLevel, AtomicLevel.Level())
	SetLevel("ERROR")
	require.Equal(t, zap.ErrorLevel, AtomicLevel.Level())
	// unknown levels leave the current level alone
	SetLevel("TRACE")
	require.Equal(t, zap.ErrorLevel, AtomicLevel.Level())
}

func TestJobFileReceivesDriverRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pvml.log")
	require.NoError(t, SetJobFile(path))
	Infof("checkpoint %d", 1)
	CloseJobFile()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "INFO checkpoint 1")
}
