package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/imessage-relay/internal/archive"
	"github.com/hal9000y/imessage-relay/internal/config"
)

const fakeExporter = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cat > "$out/+15551234567.txt" <<'EOF'
Jun 1, 2025 12:01:00 PM
+15551234567
ping

Jun 1, 2025 12:02:00 PM
Me
pong
EOF
echo "exported 1 chat"
`

const brokenExporter = `#!/bin/sh
echo "unable to open chat.db" >&2
exit 3
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script exporter needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "imessage-exporter")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestCommandExporter(t *testing.T) {
	exp := archive.NewCommandExporter(writeScript(t, fakeExporter), "")
	exp.Location = time.UTC
	require.NoError(t, exp.Check())

	out := t.TempDir()
	res, err := exp.Export(context.Background(), []string{"+15551234567"}, out)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chats)
	assert.Contains(t, res.Output, "exported 1 chat")

	chats, err := exp.Parse(context.Background(), out)
	require.NoError(t, err)
	require.Contains(t, chats, "+15551234567")

	msgs := chats["+15551234567"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "ping", msgs[0].Text)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC), msgs[0].Timestamp)
	assert.True(t, msgs[1].IsFromMe)
}

func TestCommandExporterFailure(t *testing.T) {
	exp := archive.NewCommandExporter(writeScript(t, brokenExporter), "")
	_, err := exp.Export(context.Background(), []string{"+15551234567"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to open chat.db")

	_, err = exp.Export(context.Background(), nil, t.TempDir())
	require.Error(t, err)
}

func TestCommandExporterCheck(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		exp := archive.NewCommandExporter(filepath.Join(t.TempDir(), "nope"), "")
		require.ErrorIs(t, exp.Check(), archive.ErrExporterMissing)
	})

	t.Run("missing database", func(t *testing.T) {
		exp := archive.NewCommandExporter(writeScript(t, fakeExporter), filepath.Join(t.TempDir(), "chat.db"))
		require.Error(t, exp.Check())
	})

	t.Run("readable database", func(t *testing.T) {
		db := filepath.Join(t.TempDir(), "chat.db")
		require.NoError(t, os.WriteFile(db, nil, 0o600))
		exp := archive.NewCommandExporter(writeScript(t, fakeExporter), db)
		require.NoError(t, exp.Check())
	})
}

// TestIntegrationExport runs the real exporter against the local message
// database. It needs IMESSAGE_EXPORTER_BIN and IMESSAGE_TEST_PARTICIPANT.
func TestIntegrationExport(t *testing.T) {
	bin := os.Getenv("IMESSAGE_EXPORTER_BIN")
	participant := os.Getenv("IMESSAGE_TEST_PARTICIPANT")
	if bin == "" || participant == "" {
		t.Skip("IMESSAGE_EXPORTER_BIN and IMESSAGE_TEST_PARTICIPANT not set")
	}

	exp := archive.NewCommandExporter(bin, os.Getenv("IMESSAGE_DB_PATH"))
	require.NoError(t, exp.Check())

	delta, err := archive.NewExtractor(exp, 0).Extract(context.Background(), trackedFor(participant))
	require.NoError(t, err)
	t.Logf("extracted %d messages (%d incoming)", len(delta.Messages), len(delta.Incoming))
}

func trackedFor(participant string) config.TrackedConversation {
	week := time.Now().Add(-7 * 24 * time.Hour)
	return config.TrackedConversation{
		ID:           participant,
		Participants: []string{participant},
		LastSyncedAt: &week,
	}
}
