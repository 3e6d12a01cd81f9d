package pairing

import (
	"crypto/aes"
	"fmt"
)

// The Moonlight/GameStream wire pairing handshake specifies AES in ECB
// mode. No library in the dependency set offers ECB — Go's crypto/cipher
// intentionally ships no cipher.BlockMode for it, since ECB leaks block-
// level patterns and should never be used for general-purpose
// encryption. It is implemented here, by hand, against crypto/aes's
// raw block cipher, solely because the wire protocol mandates it; this
// is not a recommendation to use ECB for anything else in this codebase.
func ecbEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	if len(plaintext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("plaintext length %d not a multiple of block size %d", len(plaintext), block.BlockSize())
	}
	out := make([]byte, len(plaintext))
	bs := block.BlockSize()
	for i := 0; i < len(plaintext); i += bs {
		block.Encrypt(out[i:i+bs], plaintext[i:i+bs])
	}
	return out, nil
}

func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of block size %d", len(ciphertext), block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	bs := block.BlockSize()
	for i := 0; i < len(ciphertext); i += bs {
		block.Decrypt(out[i:i+bs], ciphertext[i:i+bs])
	}
	return out, nil
}
