package pacs

import (
	"bytes"
	"os"

	"github.com/suyashkumar/dicom"
)

// dicmPreambleOffset is where the "DICM" magic sits in a part-10 file.
const dicmPreambleOffset = 128

var dicmMagic = []byte("DICM")

// IsDICOMFile sniffs whether a file holds DICOM medical imaging data. The
// part-10 preamble is checked first; files written without a preamble fall
// back to a full parse probe.
func IsDICOMFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, dicmPreambleOffset+len(dicmMagic))
	n, err := f.Read(header)
	if err != nil || n < len(header) {
		return false
	}
	if bytes.Equal(header[dicmPreambleOffset:], dicmMagic) {
		return true
	}

	info, err := f.Stat()
	if err != nil {
		return false
	}
	if _, err := f.Seek(0, 0); err != nil {
		return false
	}
	_, err = dicom.Parse(f, info.Size(), nil)
	return err == nil
}
