package tunnel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
)

func TestPipelineRoundTrip(t *testing.T) {
	random := make([]byte, 32*1024)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand failed: %v", err)
	}

	payloads := map[string][]byte{
		"empty":        {},
		"text":         []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		"compressible": bytes.Repeat([]byte("abcd"), 8192),
		"random":       random,
	}

	methods := append([]Method{MethodNone}, aeadMethods...)
	for _, compressed := range []bool{false, true} {
		for _, m := range methods {
			seed, err := GenerateKeySeed()
			if err != nil {
				t.Fatalf("GenerateKeySeed failed: %v", err)
			}
			sender, err := NewPipeline(compressed, m, seed)
			if err != nil {
				t.Fatalf("NewPipeline failed: %v", err)
			}
			receiver, err := NewPipeline(compressed, m, seed)
			if err != nil {
				t.Fatalf("NewPipeline failed: %v", err)
			}

			for name, p := range payloads {
				t.Run(fmt.Sprintf("compressed=%v/%s/%s", compressed, m, name), func(t *testing.T) {
					sealed, err := sender.Seal(p)
					if err != nil {
						t.Fatalf("Seal failed: %v", err)
					}
					if len(sealed) > sender.MaxSealedLen(len(p)) {
						t.Errorf("sealed length %d exceeds bound %d", len(sealed), sender.MaxSealedLen(len(p)))
					}

					opened, err := receiver.Open(sealed)
					if err != nil {
						t.Fatalf("Open failed: %v", err)
					}
					if !bytes.Equal(opened, p) {
						t.Error("round trip mismatch")
					}
				})
			}
		}
	}
}

func TestPipelineCompressesBeforeEncrypting(t *testing.T) {
	seed, _ := GenerateKeySeed()
	p, err := NewPipeline(true, MethodAES256GCM, seed)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	plaintext := bytes.Repeat([]byte("a"), 64*1024)
	sealed, err := p.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(sealed) >= len(plaintext)/4 {
		t.Errorf("sealed size %d shows no compression of %d bytes", len(sealed), len(plaintext))
	}
}

func TestPipelineCorruptPayload(t *testing.T) {
	seed, _ := GenerateKeySeed()

	t.Run("corrupt compressed stream", func(t *testing.T) {
		p, _ := NewPipeline(true, MethodNone, seed)
		_, err := p.Open([]byte{0x05, 0xff})
		if !errors.Is(err, ErrCorruptPayload) {
			t.Errorf("expected ErrCorruptPayload, got %v", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := GenerateKeySeed()
		sender, _ := NewPipeline(false, MethodChaCha20Poly1305, seed)
		receiver, _ := NewPipeline(false, MethodChaCha20Poly1305, other)
		sealed, err := sender.Seal([]byte("secret"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if _, err := receiver.Open(sealed); !errors.Is(err, ErrCorruptPayload) {
			t.Errorf("expected ErrCorruptPayload, got %v", err)
		}
	})
}

func TestPipelineUnsupportedCipher(t *testing.T) {
	seed, _ := GenerateKeySeed()
	if _, err := NewPipeline(false, Method(42), seed); !errors.Is(err, ErrUnsupportedCipher) {
		t.Errorf("expected ErrUnsupportedCipher, got %v", err)
	}
}

func TestNilPipelinePassesThrough(t *testing.T) {
	var p *Pipeline
	in := []byte("raw")
	out, err := p.Seal(in)
	if err != nil || !bytes.Equal(out, in) {
		t.Errorf("Seal on nil pipeline = %q, %v", out, err)
	}
	out, err = p.Open(in)
	if err != nil || !bytes.Equal(out, in) {
		t.Errorf("Open on nil pipeline = %q, %v", out, err)
	}
}
