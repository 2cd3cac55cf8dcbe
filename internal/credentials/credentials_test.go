package credentials

import (
	"context"
	"errors"
	"os"
	"testing"
)

// TestEncryptDecrypt verifies round trips and tamper detection.
func TestEncryptDecrypt(t *testing.T) {
	key := []byte("secret")
	ciphertext, err := Encrypt([]byte("token-123"), key)
	if err != nil {
		t.Fatalf("Encrypt() = %v", err)
	}

	plaintext, err := Decrypt(ciphertext, key)
	if err != nil || string(plaintext) != "token-123" {
		t.Fatalf("Decrypt() = %q, %v", plaintext, err)
	}

	if _, err := Decrypt(ciphertext, []byte("other")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt() with wrong key = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Decrypt("not base64!", key); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt() of garbage = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Encrypt([]byte("x"), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Encrypt() with empty key = %v, want ErrInvalidKey", err)
	}
}

// TestEncrypt_nonceVaries verifies two encryptions of the same value differ.
func TestEncrypt_nonceVaries(t *testing.T) {
	a, _ := Encrypt([]byte("same"), []byte("k"))
	b, _ := Encrypt([]byte("same"), []byte("k"))
	if a == b {
		t.Error("ciphertexts should differ")
	}
}

// TestFileStore verifies save, load, provider and delete.
func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, "remote/default", []byte("test-key"))
	ctx := context.Background()

	if got := s.Token(ctx); got != "" {
		t.Errorf("Token() before Save = %q, want empty", got)
	}
	if err := s.Save("bearer-abc"); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	info, err := os.Stat(s.path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("credential file mode = %v, want 0600", info.Mode().Perm())
	}
	raw, _ := os.ReadFile(s.path())
	if string(raw) == "bearer-abc" {
		t.Error("token stored in plaintext")
	}

	if got := s.Token(ctx); got != "bearer-abc" {
		t.Errorf("Token() = %q, want bearer-abc", got)
	}

	other := NewFileStore(dir, "remote/default", []byte("wrong-key"))
	if got := other.Token(ctx); got != "" {
		t.Errorf("Token() with wrong key = %q, want empty", got)
	}

	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(); err != nil {
		t.Errorf("second Delete() = %v", err)
	}
	if got := s.Token(ctx); got != "" {
		t.Errorf("Token() after Delete = %q", got)
	}
}

// TestFirst verifies provider fallback order.
func TestFirst(t *testing.T) {
	ctx := context.Background()
	p := First(nil, None, Static("b"), Static("c"))
	if got := p.Token(ctx); got != "b" {
		t.Errorf("Token() = %q, want b", got)
	}
	if got := First(None).Token(ctx); got != "" {
		t.Errorf("Token() = %q, want empty", got)
	}
}
