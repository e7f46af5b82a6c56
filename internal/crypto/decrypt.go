package crypto

import (
	"bytes"
	"errors"
	"fmt"
)

// BlobDecryptor unwraps one blob's ciphertext stream. Bytes arrive through
// Write in chunks of any size; the trailing TagSize bytes are withheld as
// the authentication tag and the rest is held until Close finalizes GCM.
//
// The key is derived from the caller-supplied doc id, never from the
// preamble, so a swapped preamble cannot redirect decryption to another
// blob's key.
type BlobDecryptor struct {
	info   DocInfo
	secret []byte
	aad    []byte // serialized preamble as received
	nonce  []byte
	tag    []byte // expected tag when known up front (Tag response header)

	ct   bytes.Buffer
	tail []byte
	size int64
}

// NewBlobDecryptor validates the parsed preamble and prepares a streaming
// decryptor. aad must be the exact serialized preamble bytes. tag may be
// nil, in which case the withheld stream tail is used at Close.
func NewBlobDecryptor(info DocInfo, preamble *Preamble, aad, secret, tag []byte) (*BlobDecryptor, error) {
	if preamble.Scheme != SchemeSymmetric {
		return nil, fmt.Errorf("%w: scheme %d", ErrSchemeNotImplemented, preamble.Scheme)
	}
	if preamble.Method != MethodAES256GCM {
		return nil, fmt.Errorf("%w: unknown method %d", ErrInvalidBlob, preamble.Method)
	}
	if len(preamble.IV) != ivSize {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrInvalidBlob, len(preamble.IV))
	}
	if tag != nil && len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", ErrInvalidBlob, len(tag))
	}
	if info.Rev == "" {
		info.Rev = FixedRev
	}
	return &BlobDecryptor{
		info:   info,
		secret: secret,
		aad:    append([]byte(nil), aad...),
		nonce:  append([]byte(nil), preamble.IV[:nonceSize]...),
		tag:    tag,
	}, nil
}

// Write feeds ciphertext bytes, always keeping the last TagSize bytes back
// from the ciphertext buffer.
func (d *BlobDecryptor) Write(p []byte) (int, error) {
	d.tail = append(d.tail, p...)
	if n := len(d.tail) - TagSize; n > 0 {
		d.ct.Write(d.tail[:n])
		d.tail = d.tail[n:]
	}
	return len(p), nil
}

// Close finalizes GCM with the withheld tag and returns the authenticated
// plaintext. A truncated stream or failed tag check yields ErrInvalidBlob.
func (d *BlobDecryptor) Close() (*bytes.Buffer, error) {
	if len(d.tail) < TagSize {
		return nil, fmt.Errorf("%w: truncated stream", ErrInvalidBlob)
	}
	tag := d.tag
	if tag == nil {
		tag = d.tail
	}
	key, err := DeriveBlobKey(d.secret, d.info.DocID)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := append(d.ct.Bytes(), tag...)
	plain, err := aead.Open(nil, d.nonce, sealed, d.aad)
	if err != nil {
		return nil, fmt.Errorf("%w: tag verification failed", ErrInvalidBlob)
	}
	d.size = int64(len(plain))
	return bytes.NewBuffer(plain), nil
}

// DecryptedContentSize reports the number of authenticated plaintext bytes
// produced by Close.
func (d *BlobDecryptor) DecryptedContentSize() int64 { return d.size }

// Decrypt unwraps a whole in-memory blob in its raw wire form.
func Decrypt(data []byte, info DocInfo, secret []byte) ([]byte, error) {
	preamble, n, err := ParsePreamble(data)
	if err != nil {
		if errors.Is(err, errShortPreamble) {
			return nil, fmt.Errorf("%w: truncated preamble", ErrInvalidBlob)
		}
		return nil, err
	}
	dec, err := NewBlobDecryptor(info, preamble, data[:n], secret, nil)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Write(data[n:]); err != nil {
		return nil, err
	}
	buf, err := dec.Close()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
