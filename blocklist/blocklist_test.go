package blocklist

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# comment
Some Org:1.2.3.0-1.2.3.255
Another Org:10.0.0.0-10.0.0.10
`

func TestParseTextAndContains(t *testing.T) {
	l, err := ParseText(strings.NewReader(sample))
	require.NoError(t, err)
	assert.True(t, l.Contains(net.ParseIP("1.2.3.128")))
	assert.False(t, l.Contains(net.ParseIP("1.2.4.1")))
	assert.True(t, l.Contains(net.ParseIP("10.0.0.5")))
	assert.False(t, l.Contains(net.ParseIP("10.0.0.11")))
}

func TestBinRoundTrip(t *testing.T) {
	l, err := ParseText(strings.NewReader(sample))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteBin(&buf, l))

	l2, err := ReadBin(&buf)
	require.NoError(t, err)
	assert.Equal(t, l.Len(), l2.Len())
	assert.True(t, l2.Contains(net.ParseIP("1.2.3.128")))
}

func TestCompileIfStaleRecompilesOnlyWhenSourceNewer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "blocked.p2p")
	bin := filepath.Join(dir, "blocked.bin")
	require.NoError(t, os.WriteFile(src, []byte(sample), 0o644))

	l, err := CompileIfStale(src, bin)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	binInfo1, err := os.Stat(bin)
	require.NoError(t, err)

	// Recompiling without touching the source must not rewrite the .bin.
	time.Sleep(10 * time.Millisecond)
	_, err = CompileIfStale(src, bin)
	require.NoError(t, err)
	binInfo2, err := os.Stat(bin)
	require.NoError(t, err)
	assert.Equal(t, binInfo1.ModTime(), binInfo2.ModTime())
}

func TestMergeOverlappingRanges(t *testing.T) {
	text := "a:1.0.0.0-1.0.0.10\nb:1.0.0.5-1.0.0.20\n"
	l, err := ParseText(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Contains(net.ParseIP("1.0.0.15")))
}
