package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, err := New("test-master-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	salt := "account-42"
	plaintext := "sk-ant-super-secret-token"

	ct, err := m.Encrypt(salt, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == plaintext {
		t.Fatal("ciphertext must differ from plaintext")
	}

	got := m.Decrypt(salt, ct)
	if got != plaintext {
		t.Fatalf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptLegacyPlaintextPassesThrough(t *testing.T) {
	m, _ := New("test-master-secret")
	legacy := "this-was-never-encrypted"
	if got := m.Decrypt("some-salt", legacy); got != legacy {
		t.Fatalf("Decrypt(legacy) = %q, want %q", got, legacy)
	}
}

func TestDecryptWrongSaltDoesNotPanic(t *testing.T) {
	m, _ := New("test-master-secret")
	ct, _ := m.Encrypt("salt-a", "value")
	// Wrong salt derives a different key; CBC decrypt either fails the
	// padding check (and Decrypt returns its input) or unpads garbage.
	// Either way Decrypt must not panic.
	got := m.Decrypt("salt-b", ct)
	_ = got // no panic is the property under test
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	m, _ := New("test-master-secret")
	a, _ := m.Encrypt("salt", "same-input")
	b, _ := m.Encrypt("salt", "same-input")
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ (random iv)")
	}
}

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestDecryptCachesPlaintext(t *testing.T) {
	m, _ := New("test-master-secret")
	ct, _ := m.Encrypt("salt", "cached-value")

	first := m.Decrypt("salt", ct)
	second := m.Decrypt("salt", ct)
	if first != second {
		t.Fatalf("cached decrypt mismatch: %q vs %q", first, second)
	}
}
