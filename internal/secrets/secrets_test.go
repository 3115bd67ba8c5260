package secrets

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("test-key"))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := []string{
		"",
		"gemini-api-key-value",
		"sk-0123456789abcdef",
		"unicode ✉ payload",
	}

	for _, plaintext := range tests {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Errorf("Encrypt(%q) returned plaintext", plaintext)
		}

		got, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	enc, err := NewEncryptor([]byte("test-key"))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	a, _ := enc.Encrypt("same input")
	b, _ := enc.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same input produced identical ciphertext")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor([]byte("test-key"))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	if _, err := enc.Decrypt("not base64!!!"); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(garbage) = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := enc.Decrypt("AAAA"); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(short) = %v, want ErrInvalidCiphertext", err)
	}

	other, _ := NewEncryptor([]byte("different-key"))
	sealed, _ := other.Encrypt("secret")
	if _, err := enc.Decrypt(sealed); err != ErrDecryptionFailed {
		t.Errorf("Decrypt(wrong key) = %v, want ErrDecryptionFailed", err)
	}
}

func TestNewEncryptorRejectsEmptyKey(t *testing.T) {
	if _, err := NewEncryptor(nil); err == nil {
		t.Error("NewEncryptor(nil) succeeded, want error")
	}
}
