// Package crypto implements the authenticated encryption format that wraps
// every blob before it leaves the device.
//
// A wrapped blob on the wire is `preamble || ciphertext || tag`. The
// preamble is a self-describing binary header that is bound into AES-GCM as
// additional authenticated data, so tampering with any header field
// invalidates the tag. Where a blob travels inside a JSON envelope an
// armored text form is used instead: base64url(preamble), a single ASCII
// space, base64url(ciphertext || tag).
package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FixedRev is the revision stamped into every preamble. Blob content is
// immutable; identity is the blob id, and mutation is delete+recreate.
const FixedRev = "ImmutableRevision"

// BlobSignatureMagic identifies the start of a wrapped blob.
var BlobSignatureMagic = [4]byte{0x13, 0x37, 0xb1, 0x0b}

// Encryption schemes carried in the preamble.
const (
	SchemeSymmetric byte = 1
	// SchemeExternal marks asymmetric envelopes that are produced and
	// consumed outside this codec (incoming-box documents). The codec
	// never emits it but must recognize it on receive.
	SchemeExternal byte = 2
)

// Encryption methods carried in the preamble.
const (
	MethodAES256CTR byte = 1 // reserved, never produced
	MethodAES256GCM byte = 2
)

const (
	// TagSize is the length of the GCM authentication tag that closes
	// every wrapped blob.
	TagSize = 16

	ivSize    = 16 // stored IV field; only the first nonceSize bytes are used
	nonceSize = 12

	// magic + scheme + method + timestamp + iv + doc_id length prefix
	fixedHeaderLen = 4 + 1 + 1 + 8 + ivSize
)

var (
	// ErrInvalidBlob reports a malformed preamble or a failed
	// authentication tag check.
	ErrInvalidBlob = errors.New("invalid blob")

	// ErrSchemeNotImplemented reports a preamble naming an encryption
	// scheme this codec does not handle.
	ErrSchemeNotImplemented = errors.New("encryption scheme not implemented")

	// errShortPreamble signals that more bytes are needed before the
	// preamble can be parsed.
	errShortPreamble = errors.New("short preamble")
)

// Preamble is the header prepended to every wrapped blob. Its serialized
// form is the GCM additional authenticated data.
type Preamble struct {
	Scheme    byte
	Method    byte
	Timestamp time.Time
	IV        []byte // ivSize bytes; IV[:12] is the GCM nonce
	DocID     string
	Rev       string
}

// Marshal serializes the preamble into its wire form.
func (p *Preamble) Marshal() ([]byte, error) {
	if len(p.IV) != ivSize {
		return nil, fmt.Errorf("preamble iv must be %d bytes, got %d", ivSize, len(p.IV))
	}
	if len(p.DocID) > 0xffff || len(p.Rev) > 0xffff {
		return nil, fmt.Errorf("preamble string field exceeds %d bytes", 0xffff)
	}
	var buf bytes.Buffer
	buf.Write(BlobSignatureMagic[:])
	buf.WriteByte(p.Scheme)
	buf.WriteByte(p.Method)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.Unix()))
	buf.Write(ts[:])
	buf.Write(p.IV)
	writeLengthPrefixed(&buf, p.DocID)
	writeLengthPrefixed(&buf, p.Rev)
	return buf.Bytes(), nil
}

func writeLengthPrefixed(buf *bytes.Buffer, s string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// ParsePreamble parses a preamble from the head of data and returns the
// number of bytes it occupies. errShortPreamble (unexported; surfaced only
// through DecrypterBuffer staging) means data does not yet hold a complete
// preamble; any other error means the header is malformed.
func ParsePreamble(data []byte) (*Preamble, int, error) {
	if len(data) < fixedHeaderLen+2 {
		return nil, 0, errShortPreamble
	}
	if !bytes.Equal(data[:4], BlobSignatureMagic[:]) {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrInvalidBlob)
	}
	p := &Preamble{
		Scheme:    data[4],
		Method:    data[5],
		Timestamp: time.Unix(int64(binary.BigEndian.Uint64(data[6:14])), 0).UTC(),
		IV:        append([]byte(nil), data[14:14+ivSize]...),
	}
	off := fixedHeaderLen
	docID, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, 0, err
	}
	rev, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, 0, err
	}
	p.DocID = docID
	p.Rev = rev
	return p, off, nil
}

func readLengthPrefixed(data []byte, off int) (string, int, error) {
	if len(data) < off+2 {
		return "", 0, errShortPreamble
	}
	n := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+n {
		return "", 0, errShortPreamble
	}
	return string(data[off : off+n]), off + n, nil
}

// Armor renders the envelope text form of a wrapped blob: the base64url
// preamble and the base64url ciphertext+tag joined by a single space.
func Armor(preamble, body []byte) string {
	return base64.URLEncoding.EncodeToString(preamble) + " " +
		base64.URLEncoding.EncodeToString(body)
}

// Dearmor decodes the envelope text form back into raw wire bytes
// (preamble || ciphertext || tag).
func Dearmor(s string) ([]byte, error) {
	head, tail, ok := strings.Cut(s, " ")
	if !ok {
		return nil, fmt.Errorf("%w: armored blob missing separator", ErrInvalidBlob)
	}
	preamble, err := base64.URLEncoding.DecodeString(head)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	body, err := base64.URLEncoding.DecodeString(tail)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	return append(preamble, body...), nil
}
