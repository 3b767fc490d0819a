package fsmeta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"d", "f", "p", "s", "h"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, s, k.String())
	}
	_, err := ParseKind("x")
	require.Error(t, err)
	_, err = ParseKind("df")
	require.Error(t, err)
}

func TestKind_Matches(t *testing.T) {
	assert.True(t, KindHardlink.Matches(ObservedRegular))
	assert.True(t, KindRegular.Matches(ObservedRegular))
	assert.True(t, KindDirectory.Matches(ObservedDirectory))
	assert.False(t, KindDirectory.Matches(ObservedRegular))
	assert.False(t, KindSymlink.Matches(ObservedRegular))
	assert.False(t, KindPipe.Matches(ObservedOther))
}

func TestKind_TextRoundTrip(t *testing.T) {
	b, err := KindSymlink.MarshalText()
	require.NoError(t, err)
	var k Kind
	require.NoError(t, k.UnmarshalText(b))
	assert.Equal(t, KindSymlink, k)

	var o Observed
	require.NoError(t, o.UnmarshalText([]byte("p")))
	assert.Equal(t, ObservedPipe, o)
	require.Error(t, o.UnmarshalText([]byte("h")))
}

func TestLstat_Types(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o640))
	require.NoError(t, os.Symlink("file", filepath.Join(dir, "link")))
	require.NoError(t, Mkfifo(filepath.Join(dir, "fifo"), 0o600))

	tests := []struct {
		name string
		want Observed
	}{
		{"", ObservedDirectory},
		{"file", ObservedRegular},
		{"link", ObservedSymlink},
		{"fifo", ObservedPipe},
	}
	for _, tt := range tests {
		st, ok, err := Lstat(filepath.Join(dir, tt.name))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tt.want, st.Type, tt.name)
	}

	st, ok, err := Lstat(file)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0o640), st.Mode)
	assert.Equal(t, int64(5), st.Size)
	assert.Equal(t, uint32(os.Getuid()), st.UID)
}

func TestLstat_Missing(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := Lstat(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.False(t, ok)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, ok, err = Lstat(filepath.Join(file, "below"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChmod_SpecialBits(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.NoError(t, Chmod(file, 0o1755))

	st, _, err := Lstat(file)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o1755), st.Mode)
}

func TestSetTimes(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	at := time.Unix(1_500_000_000, 0)
	mt := time.Unix(1_600_000_000, 0)
	require.NoError(t, SetTimes(file, at, mt))

	st, _, err := Lstat(file)
	require.NoError(t, err)
	assert.True(t, st.Mtime.Equal(mt))
	assert.True(t, st.Atime.Equal(at))
}

func TestDigest(t *testing.T) {
	const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	assert.Equal(t, helloSHA, Digest([]byte("hello")))
	assert.True(t, ValidDigest(helloSHA))
	assert.False(t, ValidDigest("ABC"))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))
	d, err := FileDigest(file)
	require.NoError(t, err)
	assert.Equal(t, helloSHA, d)
}

func TestFreeKiBAndMountPoint(t *testing.T) {
	dir := t.TempDir()
	free, err := FreeKiB(dir)
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	mp, err := MountPoint(filepath.Join(dir, "not", "yet", "there"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(mp))
	rel, err := filepath.Rel(mp, dir)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
}
