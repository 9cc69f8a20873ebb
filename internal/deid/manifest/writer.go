package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

// OutputRow is one accession's final line on the output stream.
type OutputRow struct {
	SubjectID      string
	ObjectInfo01   string
	ObjectInfo02   string
	ObjectInfo03   string
	ObjectInfo04   string
	AccessionNum   string
	DeidQCStatus   string
	ManifestStatus string
	QCStudyURL     string
	TargetURLs     []string
}

// SessionImportArg composes the helper argument consumed by downstream
// session-import tooling.
func SessionImportArg(oi02, oi03 string) string {
	return oi02 + "d_" + oi03
}

// Writer emits the MANIFEST_OUTPUT: and CFG_OUT: stream of a run.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// EmitRow writes one 12-column MANIFEST_OUTPUT: line. The version slot is
// intentionally left empty; the tag only appears in the input header.
func (w *Writer) EmitRow(row OutputRow) apperrors.Error {
	record := []string{
		row.SubjectID,
		row.ObjectInfo01,
		row.ObjectInfo02,
		row.ObjectInfo03,
		row.ObjectInfo04,
		row.AccessionNum,
		row.DeidQCStatus,
		"",
		row.ManifestStatus,
		row.QCStudyURL,
		strings.Join(row.TargetURLs, ";"),
		SessionImportArg(row.ObjectInfo02, row.ObjectInfo03),
	}
	var sb strings.Builder
	cw := csv.NewWriter(&sb)
	if err := cw.Write(record); err != nil {
		return ErrManifest.New("unable to encode output row").Err(err)
	}
	cw.Flush()
	return w.writeLine("MANIFEST_OUTPUT:" + strings.TrimRight(sb.String(), "\n"))
}

// EmitComment forwards a skipped input line so row alignment survives
// across iterations.
func (w *Writer) EmitComment(line string) apperrors.Error {
	return w.writeLine("MANIFEST_OUTPUT:" + line)
}

// EmitConfig writes one CFG_OUT: snapshot line.
func (w *Writer) EmitConfig(scope, key, value string) apperrors.Error {
	return w.writeLine(fmt.Sprintf("CFG_OUT:,%s,%s,%q", scope, key, value))
}

func (w *Writer) writeLine(line string) apperrors.Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.out, line+"\n"); err != nil {
		return ErrManifest.New("unable to write output stream").Err(err)
	}
	return nil
}
