package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "SUBJECT_ID,IMAGING_TYPE,AGE_AT_IMAGING_(DAYS),ANATOMICAL_POSITION,ACCESSION_NUM,DEID_QC_STATUS," + VersionTag

func TestReaderHappyPath(t *testing.T) {
	input := header + "\n" +
		"S1,MRI,120,HEAD,A1,\n" +
		"S2,CT,45,CHEST,A2,PASS:looks good\n"

	r, err := NewReader(strings.NewReader(input), Options{})
	require.Nil(t, err)

	row, err := r.Next()
	require.Nil(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "S1", row.SubjectID)
	assert.Equal(t, "MRI", row.ObjectInfo01)
	assert.Equal(t, "120", row.ObjectInfo02)
	assert.Equal(t, "HEAD", row.ObjectInfo03)
	assert.Equal(t, "A1", row.AccessionNum)
	assert.Empty(t, row.DeidQCStatus)

	row, err = r.Next()
	require.Nil(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "A2", row.AccessionNum)
	assert.Equal(t, "PASS:looks good", row.DeidQCStatus)

	row, err = r.Next()
	require.Nil(t, err)
	assert.Nil(t, row)
}

func TestReaderHeaderValidation(t *testing.T) {
	_, err := NewReader(strings.NewReader("SUBJECT_ID,WRONG\nS1,x\n"), Options{})
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrBadHeader))

	// case and surrounding whitespace are forgiven
	loose := " subject_id , imaging_type ,AGE_AT_IMAGING_(DAYS),anatomical_position,ACCESSION_NUM,deid_qc_status," + strings.ToUpper(VersionTag)
	r, err := NewReader(strings.NewReader(loose+"\nS1,a,b,c,A1,\n"), Options{})
	require.Nil(t, err)
	row, err := r.Next()
	require.Nil(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "A1", row.AccessionNum)
}

func TestReaderQCColumns(t *testing.T) {
	qcHeader := header + ",PROCESSED_STATUS,DEID_QC_STUDY_URL"
	input := qcHeader + "\nS1,MRI,120,HEAD,A1,PASS:ok,,UNDER_REVIEW:DEID_QC,http://qc/studies/u1\n"

	_, err := NewReader(strings.NewReader(header+"\n"), Options{QCColumns: true})
	require.NotNil(t, err)

	r, err := NewReader(strings.NewReader(input), Options{QCColumns: true})
	require.Nil(t, err)
	row, err := r.Next()
	require.Nil(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "UNDER_REVIEW:DEID_QC", row.PriorProcessedStatus)
	assert.Equal(t, "http://qc/studies/u1", row.PriorQCStudyURL)
}

func TestReaderSkipsAndEchoesComments(t *testing.T) {
	input := header + "\n" +
		"# batch one\n" +
		"\n" +
		" , , , , , \n" +
		"S1,MRI,120,HEAD,A1,\n"

	var echoed []string
	r, err := NewReader(strings.NewReader(input), Options{OnComment: func(line string) { echoed = append(echoed, line) }})
	require.Nil(t, err)

	row, err := r.Next()
	require.Nil(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "A1", row.AccessionNum)
	assert.Equal(t, []string{"# batch one", "", " , , , , , "}, echoed)

	row, err = r.Next()
	require.Nil(t, err)
	assert.Nil(t, row)
}

func TestWriterEmitRow(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)

	err := w.EmitRow(OutputRow{
		SubjectID:      "S1",
		ObjectInfo01:   "MRI",
		ObjectInfo02:   "120",
		ObjectInfo03:   "HEAD",
		AccessionNum:   "A1",
		DeidQCStatus:   "PASS:ok",
		ManifestStatus: "PROCESSED",
		QCStudyURL:     "http://qc/studies/u1",
		TargetURLs:     []string{"/out/S1_MRI_120_HEAD/uuid_U1.zip", "s3://b/t/S1/MRI/120/HEAD/uuid_U1.zip"},
	})
	require.Nil(t, err)

	line := strings.TrimRight(sb.String(), "\n")
	require.True(t, strings.HasPrefix(line, "MANIFEST_OUTPUT:"))
	cols := strings.Split(strings.TrimPrefix(line, "MANIFEST_OUTPUT:"), ",")
	require.Len(t, cols, 12)
	assert.Equal(t, "S1", cols[0])
	assert.Equal(t, "", cols[4])
	assert.Equal(t, "A1", cols[5])
	assert.Equal(t, "PASS:ok", cols[6])
	assert.Equal(t, "", cols[7])
	assert.Equal(t, "PROCESSED", cols[8])
	assert.Equal(t, "/out/S1_MRI_120_HEAD/uuid_U1.zip;s3://b/t/S1/MRI/120/HEAD/uuid_U1.zip", cols[10])
	assert.Equal(t, "120d_HEAD", cols[11])
}

func TestWriterEmitConfig(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)
	require.Nil(t, w.EmitConfig("int_cfg", "download_version", "2"))
	assert.Equal(t, "CFG_OUT:,int_cfg,download_version,\"2\"\n", sb.String())
}

func TestWriterEmitComment(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)
	require.Nil(t, w.EmitComment("# batch one"))
	assert.Equal(t, "MANIFEST_OUTPUT:# batch one\n", sb.String())
}
