package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestTailFile(t *testing.T) {
	t.Run("TrimsToNewestLines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sandbot.log")
		f, err := OpenTailFile(path, 3)
		require.NoError(t, err)
		defer f.Close()

		for i := 1; i <= 6; i++ {
			_, err := fmt.Fprintf(f, "line %d\n", i)
			require.NoError(t, err)
		}
		require.NoError(t, f.Sync())

		assert.Equal(t, []string{"line 4", "line 5", "line 6"}, readLines(t, path))

		_, err = fmt.Fprintln(f, "line 7")
		require.NoError(t, err)
		assert.Equal(t, []string{"line 4", "line 5", "line 6", "line 7"}, readLines(t, path))
	})

	t.Run("TrimsExistingFileOnOpen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sandbot.log")
		require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

		f, err := OpenTailFile(path, 2)
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, []string{"c", "d"}, readLines(t, path))
	})

	t.Run("FailedTrimKeepsWriting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sandbot.log")
		f, err := OpenTailFile(path, 2)
		require.NoError(t, err)
		defer f.Close()

		// a directory in the way of the trimmed copy makes the rewrite fail
		require.NoError(t, os.Mkdir(path+".tmp", 0o755))

		for i := 1; i <= 3; i++ {
			_, err := fmt.Fprintf(f, "line %d\n", i)
			require.NoError(t, err)
		}
		_, err = fmt.Fprintln(f, "line 4")
		assert.Error(t, err)
		assert.Equal(t, []string{"line 1", "line 2", "line 3", "line 4"}, readLines(t, path))

		require.NoError(t, os.Remove(path+".tmp"))
		_, err = fmt.Fprintln(f, "line 5")
		require.NoError(t, err)
		assert.Equal(t, []string{"line 4", "line 5"}, readLines(t, path))
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		_, err := OpenTailFile(filepath.Join(t.TempDir(), "sandbot.log"), 0)
		assert.Error(t, err)
	})
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "b\nc\n", string(lastLines([]byte("a\nb\nc\n"), 2)))
	assert.Equal(t, "a\nb\n", string(lastLines([]byte("a\nb\n"), 5)))
	assert.Equal(t, "", string(lastLines(nil, 2)))
}
