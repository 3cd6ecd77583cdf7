package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceOnlyWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	saved := InfoLogger
	InfoLogger = log.New(&buf, "INFO: ", 0)
	defer func() {
		InfoLogger = saved
		SetVerbose(false)
	}()

	SetVerbose(false)
	Trace("hidden %d", 1)
	assert.Empty(t, buf.String())

	SetVerbose(true)
	Trace("shown %d", 2)
	assert.Equal(t, "INFO: shown 2\n", buf.String())
}

func TestInitWithFileCreatesLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, InitWithFile(dir, "test.log"))
	defer Close()

	InfoLogger.Println("hello")

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO: ")
	assert.Contains(t, string(data), "hello")
}
