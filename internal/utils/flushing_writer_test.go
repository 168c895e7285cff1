package utils_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/gantry/internal/utils"
)

type failingFlusher struct {
	bytes.Buffer
}

func (flusher *failingFlusher) Flush() error {
	return errors.New("terminal detached")
}

func TestFlushingWriterFlushesBufferedTargets(testInstance *testing.T) {
	destination := &bytes.Buffer{}
	buffered := bufio.NewWriterSize(destination, 4096)
	writer := utils.NewFlushingWriter(buffered)

	written, writeError := io.WriteString(writer, "10:30:00 INFO  STAGE_SUCCESS  Build\n")
	require.NoError(testInstance, writeError)
	require.Equal(testInstance, 36, written)
	require.Equal(testInstance, "10:30:00 INFO  STAGE_SUCCESS  Build\n", destination.String())
}

func TestFlushingWriterEdgeCases(testInstance *testing.T) {
	plain := &bytes.Buffer{}
	_, plainError := utils.NewFlushingWriter(plain).Write([]byte("summary"))
	require.NoError(testInstance, plainError)
	require.Equal(testInstance, "summary", plain.String())

	failing := &failingFlusher{}
	written, flushError := utils.NewFlushingWriter(failing).Write([]byte("line"))
	require.EqualError(testInstance, flushError, "terminal detached")
	require.Equal(testInstance, 4, written)

	_, discardError := utils.NewFlushingWriter(nil).Write([]byte("dropped"))
	require.NoError(testInstance, discardError)
}
