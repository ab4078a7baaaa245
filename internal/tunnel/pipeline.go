package tunnel

import (
	"fmt"

	"github.com/golang/snappy"
)

// Pipeline is the per-stream payload transform: compress then encrypt on
// send, decrypt then decompress on receive.
type Pipeline struct {
	compressed bool
	cipher     Cipher
}

// NewPipeline builds the pipeline for an Open request. It fails with
// ErrUnsupportedCipher for unknown methods.
func NewPipeline(compressed bool, m Method, seed []byte) (*Pipeline, error) {
	key, err := DeriveStreamKey(seed, m)
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(m, key)
	if err != nil {
		return nil, err
	}
	return &Pipeline{compressed: compressed, cipher: c}, nil
}

// PipelineFor builds the pipeline described by req.
func PipelineFor(req *OpenRequest) (*Pipeline, error) {
	return NewPipeline(req.Compressed, req.Method, req.Key)
}

// Transforms reports whether Seal changes its input. When false, Seal and
// Open return their argument unchanged.
func (p *Pipeline) Transforms() bool {
	return p != nil && (p.compressed || p.cipher != nil)
}

// Seal transforms plaintext for the wire.
func (p *Pipeline) Seal(plaintext []byte) ([]byte, error) {
	if p == nil {
		return plaintext, nil
	}

	out := plaintext
	if p.compressed {
		out = snappy.Encode(nil, out)
	}
	if p.cipher != nil {
		sealed, err := p.cipher.Encrypt(out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}
	return out, nil
}

// Open reverses Seal. Failures wrap ErrCorruptPayload.
func (p *Pipeline) Open(payload []byte) ([]byte, error) {
	if p == nil {
		return payload, nil
	}

	out := payload
	if p.cipher != nil {
		opened, err := p.cipher.Decrypt(out)
		if err != nil {
			return nil, err
		}
		out = opened
	}
	if p.compressed {
		decoded, err := snappy.Decode(nil, out)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptPayload, err)
		}
		out = decoded
	}
	return out, nil
}

// MaxSealedLen returns the largest wire size Seal can produce for n bytes.
func (p *Pipeline) MaxSealedLen(n int) int {
	if p == nil {
		return n
	}
	if p.compressed {
		n = snappy.MaxEncodedLen(n)
	}
	if p.cipher != nil {
		n += p.cipher.Overhead()
	}
	return n
}
