package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	cmdExporter = "imessage-exporter"
	exportExt   = ".txt"
)

// ErrExporterMissing is returned by Check when the exporter binary cannot be
// found.
var ErrExporterMissing = errors.New("exporter binary not found")

// CommandExporter runs the imessage-exporter binary and parses its text
// output.
type CommandExporter struct {
	// Bin is the exporter executable, looked up in PATH when not absolute.
	Bin string
	// Database overrides the exporter's default chat database location.
	Database string
	// Location is the zone the exporter renders timestamps in.
	Location *time.Location
}

// NewCommandExporter creates an exporter for the given binary and database.
func NewCommandExporter(bin, database string) *CommandExporter {
	if bin == "" {
		bin = cmdExporter
	}
	return &CommandExporter{
		Bin:      bin,
		Database: database,
		Location: time.Local,
	}
}

// Check verifies the exporter binary and the message database are reachable.
// Failures here are startup-fatal.
func (e *CommandExporter) Check() error {
	if _, err := exec.LookPath(e.Bin); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExporterMissing, e.Bin, err)
	}
	if e.Database == "" {
		return nil
	}
	f, err := os.Open(e.Database)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("message database %s is not readable, grant Full Disk Access: %w", e.Database, err)
		}
		return fmt.Errorf("os.Open(%s) failed: %w", e.Database, err)
	}
	return f.Close()
}

// Export writes text transcripts for every chat involving the participants
// into outDir. The exporter's own date filters are not used; the caller
// filters by watermark.
func (e *CommandExporter) Export(ctx context.Context, participants []string, outDir string) (ExportResult, error) {
	if len(participants) == 0 {
		return ExportResult{}, errors.New("no participants to export")
	}

	args := []string{
		"-f", "txt",
		"-c", "disabled",
		"-o", outDir,
		"-t", strings.Join(participants, ","),
	}
	if e.Database != "" {
		args = append(args, "-p", e.Database)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Bin, args...)
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return ExportResult{Output: string(output)}, fmt.Errorf("%s failed: %w: %s", e.Bin, err, strings.TrimSpace(stderr.String()))
	}

	files, err := exportFiles(outDir)
	if err != nil {
		return ExportResult{}, err
	}

	log.Debug().
		Strs("participants", participants).
		Int("chats", len(files)).
		Msg("archive export finished")

	return ExportResult{Chats: len(files), Output: string(output)}, nil
}

// Parse reads every transcript in outDir. The map key is the chat identifier
// taken from the file name.
func (e *CommandExporter) Parse(ctx context.Context, outDir string) (map[string][]Message, error) {
	files, err := exportFiles(outDir)
	if err != nil {
		return nil, err
	}

	loc := e.Location
	if loc == nil {
		loc = time.Local
	}

	chats := make(map[string][]Message, len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile failed: %w", err)
		}

		chatID := strings.TrimSuffix(name, exportExt)
		msgs, err := ParseTranscript(chatID, raw, loc)
		if err != nil {
			return nil, fmt.Errorf("ParseTranscript(%s) failed: %w", name, err)
		}
		chats[chatID] = append(chats[chatID], msgs...)
	}

	return chats, nil
}

func exportFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("os.ReadDir failed: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), exportExt) {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}
