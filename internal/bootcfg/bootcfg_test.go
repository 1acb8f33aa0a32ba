package bootcfg

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/corekernel/internal/errno"
)

func scan(s string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(s))
}

func TestParseBasicTypes(t *testing.T) {
	cfg, err := Parse(scan(`
# a comment
; another comment
resolution = 1920x1080
framebuffer_base = 0xfd000000
log_level = 3
boot_timeout = 250ms
name = some text value
`))
	require.Equal(t, errno.OK, err)

	w, h, derr := cfg.GetDimensions("resolution")
	require.Equal(t, errno.OK, derr)
	require.Equal(t, 1920, w)
	require.Equal(t, 1080, h)

	hex, herr := cfg.GetInt("framebuffer_base")
	require.Equal(t, errno.OK, herr)
	require.EqualValues(t, 0xfd000000, hex)

	dec, decerr := cfg.GetInt("log_level")
	require.Equal(t, errno.OK, decerr)
	require.EqualValues(t, 3, dec)

	dur, durerr := cfg.GetDuration("boot_timeout")
	require.Equal(t, errno.OK, durerr)
	require.Equal(t, 250*time.Millisecond, dur)

	name, ok := cfg.Get("name")
	require.True(t, ok)
	require.Equal(t, "some text value", name)
}

func TestParseRejectsMissingEquals(t *testing.T) {
	_, err := Parse(scan("not_a_kv_line\n"))
	require.Equal(t, errno.EINVAL, err)
}

func TestParseRejectsOversizedKey(t *testing.T) {
	longKey := strings.Repeat("k", maxKeyLen+1)
	_, err := Parse(scan(longKey + " = 1\n"))
	require.Equal(t, errno.EINVAL, err)
}

func TestParseRejectsOversizedValue(t *testing.T) {
	longVal := strings.Repeat("v", maxValueLen+1)
	_, err := Parse(scan("key = " + longVal + "\n"))
	require.Equal(t, errno.EINVAL, err)
}

func TestGetIntWrongKindFails(t *testing.T) {
	cfg, _ := Parse(scan("label = hello\n"))
	_, err := cfg.GetInt("label")
	require.Equal(t, errno.EINVAL, err)
}

func TestInlineCommentStripped(t *testing.T) {
	cfg, _ := Parse(scan("count = 7 # trailing note\n"))
	v, err := cfg.GetInt("count")
	require.Equal(t, errno.OK, err)
	require.EqualValues(t, 7, v)
}
