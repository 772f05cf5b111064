package xlog

import (
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/util"
)

func TestWarnWriterFeedsLogger(t *testing.T) {
	out := filepath.Join(t.TempDir(), "http.log")
	l, err := util.NewLoggerFromConfig(v1.LogConfig{Level: "info", Format: "json", Output: out})
	require.NoError(t, err)

	std := stdlog.New(NewWarnWriter(l), "", 0)
	std.Println("http: TLS handshake error")
	n, err := NewDebugWriter(l).Write([]byte("hidden\n"))
	require.NoError(t, err)
	assert.Equal(t, len("hidden\n"), n)
	_, _ = NewInfoWriter(l).Write([]byte("   \n"))
	require.NoError(t, l.Sync())

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[0], `"msg":"http: TLS handshake error"`)
}
