package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// DocInfo names the blob a stream belongs to. The id drives key derivation
// and, together with the revision, is authenticated through the preamble.
type DocInfo struct {
	DocID string
	Rev   string
}

// BlobEncryptor wraps a plaintext stream into the wire format. A fresh
// random nonce is drawn per encryptor, so the same plaintext never encrypts
// to the same bytes twice.
type BlobEncryptor struct {
	info   DocInfo
	src    io.Reader
	secret []byte
	armor  bool

	iv  []byte
	tag []byte
}

// NewBlobEncryptor prepares an encryptor for one blob. An empty Rev is
// filled with FixedRev. With armor set, Encrypt emits the envelope text
// form instead of raw bytes.
func NewBlobEncryptor(info DocInfo, src io.Reader, secret []byte, armor bool) (*BlobEncryptor, error) {
	if info.DocID == "" {
		return nil, fmt.Errorf("blob id must not be empty")
	}
	if info.Rev == "" {
		info.Rev = FixedRev
	}
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv[:nonceSize]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return &BlobEncryptor{info: info, src: src, secret: secret, armor: armor, iv: iv}, nil
}

// Encrypt drains the source stream and returns the wrapped blob. The
// returned buffer reads preamble bytes, then ciphertext, then the tag.
// cipher.AEAD is one-shot, so the source is held in memory while sealing.
func (e *BlobEncryptor) Encrypt() (*bytes.Buffer, error) {
	key, err := DeriveBlobKey(e.secret, e.info.DocID)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	preamble := &Preamble{
		Scheme:    SchemeSymmetric,
		Method:    MethodAES256GCM,
		Timestamp: time.Now().UTC(),
		IV:        e.iv,
		DocID:     e.info.DocID,
		Rev:       e.info.Rev,
	}
	aad, err := preamble.Marshal()
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(e.src)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	sealed := aead.Seal(nil, e.iv[:nonceSize], plaintext, aad)
	e.tag = sealed[len(sealed)-TagSize:]

	if e.armor {
		return bytes.NewBufferString(Armor(aad, sealed)), nil
	}
	out := bytes.NewBuffer(aad)
	out.Write(sealed)
	return out, nil
}

// IV returns the stored IV field (nonce plus padding).
func (e *BlobEncryptor) IV() []byte { return e.iv }

// Tag returns the authentication tag of the last Encrypt call.
func (e *BlobEncryptor) Tag() []byte { return e.tag }
