package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/INLOpen/mailjournal/core"
)

// ListSegmentFiles returns the segment file names of one journal directory in
// name order. Names are zero padded so name order is segment order.
func ListSegmentFiles(journalDir string) ([]string, error) {
	entries, err := os.ReadDir(journalDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), core.SegmentFileSuffix) {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

// RequireSegmentsPresent fails the test unless journalDir holds at least one segment.
func RequireSegmentsPresent(t *testing.T, journalDir string) {
	t.Helper()
	files, err := ListSegmentFiles(journalDir)
	if err != nil {
		t.Fatalf("expected journal directory %s: %v", journalDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected segment files in %s, none found", journalDir)
	}
}
