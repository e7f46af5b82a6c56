package crypto

import (
	"bytes"
	"errors"
	"fmt"
)

// DecrypterBuffer absorbs arbitrary initial byte chunks from a download
// and, once a full preamble has accumulated, routes the remainder: known
// schemes get a streaming BlobDecryptor with trailing-tag withholding,
// unsupported schemes (asymmetric envelopes the application handles
// elsewhere) get a raw passthrough buffer holding the post-preamble bytes.
type DecrypterBuffer struct {
	docID  string
	secret []byte
	tag    []byte

	staged []byte
	dec    *BlobDecryptor
	raw    *bytes.Buffer
}

// NewDecrypterBuffer prepares a buffer for one blob download. tag is the
// expected authentication tag when known up front (the Tag response
// header); it may be nil.
func NewDecrypterBuffer(docID string, secret, tag []byte) *DecrypterBuffer {
	return &DecrypterBuffer{docID: docID, secret: secret, tag: tag}
}

// Write stages bytes until a preamble is complete, then forwards to the
// chosen sink.
func (b *DecrypterBuffer) Write(p []byte) (int, error) {
	if b.dec != nil {
		return b.dec.Write(p)
	}
	if b.raw != nil {
		return b.raw.Write(p)
	}
	b.staged = append(b.staged, p...)
	preamble, n, err := ParsePreamble(b.staged)
	if errors.Is(err, errShortPreamble) {
		return len(p), nil
	}
	if err != nil {
		return 0, err
	}
	rest := b.staged[n:]
	dec, err := NewBlobDecryptor(DocInfo{DocID: b.docID, Rev: FixedRev}, preamble, b.staged[:n], b.secret, b.tag)
	switch {
	case errors.Is(err, ErrSchemeNotImplemented):
		b.raw = &bytes.Buffer{}
		b.raw.Write(rest)
	case err != nil:
		return 0, err
	default:
		b.dec = dec
		if _, err := b.dec.Write(rest); err != nil {
			return 0, err
		}
	}
	b.staged = nil
	return len(p), nil
}

// Close finalizes the chosen sink, returning the content and its size. For
// a decrypted blob the size is the authenticated plaintext byte count; for
// a passthrough it is the raw byte count.
func (b *DecrypterBuffer) Close() (*bytes.Buffer, int64, error) {
	switch {
	case b.dec != nil:
		buf, err := b.dec.Close()
		if err != nil {
			return nil, 0, err
		}
		return buf, b.dec.DecryptedContentSize(), nil
	case b.raw != nil:
		return b.raw, int64(b.raw.Len()), nil
	default:
		return nil, 0, fmt.Errorf("%w: truncated preamble", ErrInvalidBlob)
	}
}
