// Package manifest reads the input manifest CSV and writes the
// machine-readable output stream of a run.
package manifest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

// VersionTag is the literal seventh header column. It doubles as the
// manifest format version.
const VersionTag = "locutus_manifest_ver:locutus.onprem_dicom_deid_qc.2021march15"

var (
	ErrManifest  apperrors.Error = apperrors.New("manifest error")
	ErrBadHeader apperrors.Error = ErrManifest.New("manifest header mismatch")
)

var requiredHeader = []string{
	"SUBJECT_ID",
	"IMAGING_TYPE",
	"AGE_AT_IMAGING_(DAYS)",
	"ANATOMICAL_POSITION",
	"ACCESSION_NUM",
	"DEID_QC_STATUS",
	VersionTag,
}

var qcHeader = []string{
	"PROCESSED_STATUS",
	"DEID_QC_STUDY_URL",
}

// Row is one manifest entry. The fourth object-info attribute is never
// populated by the input format; it exists only in the output columns.
type Row struct {
	SubjectID    string
	ObjectInfo01 string
	ObjectInfo02 string
	ObjectInfo03 string
	AccessionNum string
	DeidQCStatus string

	// carried forward from a prior run when the QC columns are enabled
	PriorProcessedStatus string
	PriorQCStudyURL      string

	Line int
}

// Options controls manifest parsing.
type Options struct {
	// QCColumns enables the two trailing columns that feed one run's
	// output back into the next run.
	QCColumns bool
	// OnComment receives skipped blank and comment lines verbatim, in
	// input order, so they can be echoed to the output stream.
	OnComment func(line string)
}

// Reader iterates manifest rows strictly forward.
type Reader struct {
	scanner *bufio.Scanner
	opts    Options
	line    int
}

// NewReader validates the header and returns a row iterator.
func NewReader(r io.Reader, opts Options) (*Reader, apperrors.Error) {
	mr := &Reader{scanner: bufio.NewScanner(r), opts: opts}
	mr.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	header, err := mr.nextRecord()
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, ErrBadHeader.New("manifest is empty")
	}
	want := requiredHeader
	if opts.QCColumns {
		want = append(append([]string{}, requiredHeader...), qcHeader...)
	}
	if len(header) < len(want) {
		return nil, ErrBadHeader.New(fmt.Sprintf("expected at least %d header columns, got %d", len(want), len(header)))
	}
	for i, col := range want {
		got := strings.ToUpper(strings.TrimSpace(header[i]))
		if got != strings.ToUpper(col) {
			return nil, ErrBadHeader.New(fmt.Sprintf("header column %d is %q, want %q", i+1, header[i], col))
		}
	}
	return mr, nil
}

// Next returns the next data row, or (nil, nil) at end of input.
func (mr *Reader) Next() (*Row, apperrors.Error) {
	record, err := mr.nextRecord()
	if err != nil || record == nil {
		return nil, err
	}
	row := &Row{
		SubjectID:    strings.TrimSpace(record[0]),
		ObjectInfo01: strings.TrimSpace(record[1]),
		ObjectInfo02: strings.TrimSpace(record[2]),
		ObjectInfo03: strings.TrimSpace(record[3]),
		AccessionNum: strings.TrimSpace(record[4]),
		DeidQCStatus: strings.TrimSpace(record[5]),
		Line:         mr.line,
	}
	if mr.opts.QCColumns && len(record) >= 9 {
		row.PriorProcessedStatus = strings.TrimSpace(record[7])
		row.PriorQCStudyURL = strings.TrimSpace(record[8])
	}
	return row, nil
}

// nextRecord returns the next non-skipped CSV record, or nil at EOF.
// Blank lines, comment lines and all-whitespace records are skipped and
// optionally forwarded to OnComment.
func (mr *Reader) nextRecord() ([]string, apperrors.Error) {
	for mr.scanner.Scan() {
		mr.line++
		raw := mr.scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if mr.opts.OnComment != nil {
				mr.opts.OnComment(raw)
			}
			continue
		}
		cr := csv.NewReader(strings.NewReader(raw))
		cr.FieldsPerRecord = -1
		record, err := cr.Read()
		if err != nil {
			return nil, ErrManifest.New(fmt.Sprintf("line %d is not valid CSV", mr.line)).Err(err)
		}
		if allBlank(record) {
			if mr.opts.OnComment != nil {
				mr.opts.OnComment(raw)
			}
			continue
		}
		if len(record) < 6 {
			return nil, ErrManifest.New(fmt.Sprintf("line %d has %d columns, want at least 6", mr.line, len(record)))
		}
		return record, nil
	}
	if err := mr.scanner.Err(); err != nil {
		return nil, ErrManifest.New("unable to read manifest").Err(err)
	}
	return nil, nil
}

func allBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
