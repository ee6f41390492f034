package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brickingsoft/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/stampgc/gcerr"
)

// Blob header layout: 4-byte magic, uint16 format version, uint16 flags,
// then the canonical CBOR encoding of the Document.
const (
	BlobVersion    uint16 = 1
	blobHeaderSize        = 8
)

var blobMagic = [4]byte{'S', 'G', 'C', 'M'}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("manifest: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncodeBody returns the canonical CBOR encoding of doc. Equal documents
// always encode to equal bytes.
func EncodeBody(doc *Document) ([]byte, error) {
	return cborEncMode.Marshal(doc)
}

// EncodeBlob serializes doc into the blob embedded in generated code.
func EncodeBlob(doc *Document) ([]byte, error) {
	body, err := EncodeBody(doc)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode blob: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(blobHeaderSize + len(body))
	buf.Write(blobMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, BlobVersion)
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	buf.Write(body)
	return buf.Bytes(), nil
}

func blobMismatch(format string, args ...any) error {
	return gcerr.New(gcerr.ErrStampOutOfRange,
		errors.WithWrap(errors.From(gcerr.ErrBlobFormat, errors.WithWrap(fmt.Errorf(format, args...)))))
}

// DecodeBlob parses a blob produced by EncodeBlob. A blob from a different
// format version cannot describe this binary's stamps and is rejected as a
// stamp mismatch.
func DecodeBlob(data []byte) (*Document, error) {
	if len(data) < blobHeaderSize {
		return nil, blobMismatch("blob is %d bytes, shorter than its header", len(data))
	}
	if !bytes.Equal(data[:4], blobMagic[:]) {
		return nil, blobMismatch("bad magic %q", data[:4])
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != BlobVersion {
		return nil, blobMismatch("blob version %d, want %d", v, BlobVersion)
	}
	if flags := binary.BigEndian.Uint16(data[6:8]); flags != 0 {
		return nil, blobMismatch("unknown blob flags %#04x", flags)
	}

	var doc Document
	if err := cbor.Unmarshal(data[blobHeaderSize:], &doc); err != nil {
		return nil, fmt.Errorf("manifest: decode blob: %w", err)
	}
	return &doc, nil
}

// LoadBlob reads and decodes the blob at path.
func LoadBlob(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	doc, err := DecodeBlob(data)
	if err != nil {
		return nil, err
	}
	doc.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return doc, nil
}
