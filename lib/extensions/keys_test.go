package extensions

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idShape = regexp.MustCompile(`^[a-p]{32}$`)

func TestGitHubKeyIDNormalizes(t *testing.T) {
	t.Parallel()

	a := GitHubKeyID("https://github.com/Acme/Widget.git")
	b := GitHubKeyID("https://github.com/acme/widget")
	c := GitHubKeyID("https://github.com/acme/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^gh_[0-9a-f]{16}$`, a)
}

func TestUploadKeyIDStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, UploadKeyID("My Extension"), UploadKeyID("my extension"))
	assert.Regexp(t, `^up_[0-9a-f]{16}$`, UploadKeyID("My Extension"))
}

func TestKeystoreEnsureReusesKey(t *testing.T) {
	t.Parallel()

	ks := NewKeystore(t.TempDir())

	first, pemPath, err := ks.Ensure("gh_0123456789abcdef")
	require.NoError(t, err)

	info, err := os.Stat(pemPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, "gh_0123456789abcdef.pem", filepath.Base(pemPath))

	second, _, err := ks.Ensure("gh_0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, first.N, second.N)

	other, _, err := ks.Ensure("up_fedcba9876543210")
	require.NoError(t, err)
	assert.NotEqual(t, first.N, other.N)
}

func TestExtensionIDShapeAndDeterminism(t *testing.T) {
	t.Parallel()

	ks := NewKeystore(t.TempDir())
	key, _, err := ks.Ensure("gh_aaaaaaaaaaaaaaaa")
	require.NoError(t, err)

	id, err := ExtensionID(&key.PublicKey)
	require.NoError(t, err)
	assert.Regexp(t, idShape, id)

	again, err := ExtensionID(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, _, err := ks.Ensure("gh_bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	otherID, err := ExtensionID(&other.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, id, otherID)
}

func TestEncodeExtensionIDNibbleOrder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "aa", encodeExtensionID([]byte{0x00}))
	assert.Equal(t, "pp", encodeExtensionID([]byte{0xff}))
	assert.Equal(t, "el", encodeExtensionID([]byte{0x4b}))
	assert.Equal(t, "abcd", encodeExtensionID([]byte{0x01, 0x23}))
}
