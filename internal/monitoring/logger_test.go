package monitoring

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	prev := Logf
	t.Cleanup(func() { Logf = prev })

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("[train] step %d", 3)
	assert.Equal(t, []string{"[train] step 3"}, got)

	SetLogger(nil)
	require.NotNil(t, Logf)
	Logf("[train] muted")
	assert.Len(t, got, 1)
}

func TestRunLog_MirrorsConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model", "log.txt")
	var console bytes.Buffer

	rl, err := OpenRunLog(path, &console)
	require.NoError(t, err)
	rl.FileOnly("config dump\n")
	rl.Printf("step=%d", 5)
	rl.Println("# EVAL")
	require.NoError(t, rl.Close())

	assert.Equal(t, "step=5\n# EVAL\n", console.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "config dump\nstep=5\n# EVAL\n", string(data))

	rl, err = OpenRunLog(path, &console)
	require.NoError(t, err)
	rl.Printf("again\n")
	require.NoError(t, rl.Close())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "config dump\nstep=5\n# EVAL\nagain\n", string(data), "reopen appends")
}

func TestNewRunLog_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	rl := NewRunLog(&console, nil)
	rl.FileOnly("dropped")
	rl.Printf("generate label finished(%.2f/s). start eval:", 12.5)
	assert.Equal(t, "generate label finished(12.50/s). start eval:\n", console.String())
	assert.NoError(t, rl.Close())
	assert.NoError(t, rl.Close())
}

func TestRunLog_NilSafe(t *testing.T) {
	var rl *RunLog
	rl.Printf("ignored")
	rl.Println("ignored")
	rl.FileOnly("ignored")
	assert.NoError(t, rl.Close())
}
