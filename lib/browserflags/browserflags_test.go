package browserflags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverlayWins(t *testing.T) {
	t.Parallel()

	got := Merge("--window-size=800,600 --no-first-run", []string{"--window-size=1920,1080"})
	assert.Equal(t, []string{"--window-size=1920,1080", "--no-first-run"}, got)
}

func TestMergeUnionsLoadExtension(t *testing.T) {
	t.Parallel()

	got := Merge("--load-extension=/a,/b --foo", []string{"--load-extension=/b,/c"})
	assert.Equal(t, []string{"--foo", "--load-extension=/a,/b,/c"}, got)
}

func TestMergeEmptyBaseline(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"--bar"}, Merge("", []string{"--bar"}))
	assert.Empty(t, Merge("", nil))
}

func TestReadOverlayMissingFile(t *testing.T) {
	t.Parallel()

	tokens, err := ReadOverlay(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, tokens)
}

func TestOverlayRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, WriteOverlay(path, []string{" --foo ", "", "--bar=1"}))

	tokens, err := ReadOverlay(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"--foo", "--bar=1"}, tokens)
}

func TestReadOverlayRejectsMissingFlagsArray(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"other":[]}`), 0o644))

	_, err := ReadOverlay(path)
	require.ErrorContains(t, err, "missing 'flags' array")
}
