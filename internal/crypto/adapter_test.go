package crypto

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T, a *StdAdapter) SymmetricKey {
	t.Helper()
	key, err := a.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() unexpected error: %v", err)
	}
	return key
}

func mustIV(t *testing.T, a *StdAdapter) []byte {
	t.Helper()
	iv, err := a.GenerateRandomBytes(IVSize)
	if err != nil {
		t.Fatalf("GenerateRandomBytes() unexpected error: %v", err)
	}
	return iv
}

func TestGenerateRandomBytes(t *testing.T) {
	a := NewAdapter()

	tests := []struct {
		name    string
		n       int
		wantErr error
	}{
		{name: "iv length", n: IVSize},
		{name: "key length", n: KeySize},
		{name: "zero", n: 0, wantErr: ErrInvalidLength},
		{name: "negative", n: -1, wantErr: ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := a.GenerateRandomBytes(tt.n)
			if err != tt.wantErr {
				t.Fatalf("GenerateRandomBytes(%d) error = %v, want %v", tt.n, err, tt.wantErr)
			}
			if tt.wantErr == nil && len(b) != tt.n {
				t.Errorf("GenerateRandomBytes(%d) len = %d", tt.n, len(b))
			}
		})
	}

	x, _ := a.GenerateRandomBytes(32)
	y, _ := a.GenerateRandomBytes(32)
	if bytes.Equal(x, y) {
		t.Error("GenerateRandomBytes() returned identical output twice")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a := NewAdapter()
	key := mustKey(t, a)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "empty", plaintext: []byte{}},
		{name: "short", plaintext: []byte("hello")},
		{name: "unicode", plaintext: []byte("héllo wörld ✓ 你好")},
		{name: "one mebibyte", plaintext: bytes.Repeat([]byte{0xab}, 1<<20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := a.Encrypt(tt.plaintext, key, mustIV(t, a))
			if err != nil {
				t.Fatalf("Encrypt() unexpected error: %v", err)
			}
			if len(sealed.IV) != IVSize || len(sealed.AuthTag) != AuthTagSize {
				t.Fatalf("Encrypt() iv=%d tag=%d bytes", len(sealed.IV), len(sealed.AuthTag))
			}
			if len(sealed.Ciphertext) != len(tt.plaintext) {
				t.Errorf("Encrypt() ciphertext len = %d, want %d", len(sealed.Ciphertext), len(tt.plaintext))
			}

			got, err := a.Decrypt(sealed, key)
			if err != nil {
				t.Fatalf("Decrypt() unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Error("Decrypt() did not return the original plaintext")
			}
		})
	}
}

func TestEncryptRejectsBadInputs(t *testing.T) {
	a := NewAdapter()
	key := mustKey(t, a)

	if _, err := a.Encrypt([]byte("x"), key, make([]byte, 8)); err != ErrInvalidIV {
		t.Errorf("expected ErrInvalidIV, got %v", err)
	}
	if _, err := a.Encrypt([]byte("x"), SymmetricKey{}, mustIV(t, a)); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptTamperFails(t *testing.T) {
	a := NewAdapter()
	key := mustKey(t, a)
	sealed, err := a.Encrypt([]byte("attack at dawn"), key, mustIV(t, a))
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}

	tests := []struct {
		name   string
		sealed Sealed
		key    SymmetricKey
	}{
		{name: "ciphertext bit", sealed: Sealed{flip(sealed.Ciphertext, 0), sealed.IV, sealed.AuthTag}, key: key},
		{name: "tag bit", sealed: Sealed{sealed.Ciphertext, sealed.IV, flip(sealed.AuthTag, AuthTagSize-1)}, key: key},
		{name: "iv bit", sealed: Sealed{sealed.Ciphertext, flip(sealed.IV, 3), sealed.AuthTag}, key: key},
		{name: "short tag", sealed: Sealed{sealed.Ciphertext, sealed.IV, sealed.AuthTag[:8]}, key: key},
		{name: "wrong key", sealed: sealed, key: mustKey(t, a)},
		{name: "zero key", sealed: sealed, key: SymmetricKey{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Decrypt(tt.sealed, tt.key); err != ErrAuthenticationFailed {
				t.Errorf("expected ErrAuthenticationFailed, got %v", err)
			}
		})
	}
}

func TestImportExportKey(t *testing.T) {
	a := NewAdapter()
	key := mustKey(t, a)

	imported, err := a.ImportKey(a.ExportKey(key))
	if err != nil {
		t.Fatalf("ImportKey() unexpected error: %v", err)
	}
	if !imported.Equal(key) {
		t.Error("ImportKey(ExportKey(k)) != k")
	}

	if _, err := a.ImportKey(make([]byte, 16)); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDeriveSharedSecretSymmetric(t *testing.T) {
	a := NewAdapter()

	alice, err := a.GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() unexpected error: %v", err)
	}
	bob, _ := a.GenerateECDHKeyPair()
	carol, _ := a.GenerateECDHKeyPair()

	ab, err := a.DeriveSharedSecret(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSharedSecret() unexpected error: %v", err)
	}
	ba, err := a.DeriveSharedSecret(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSharedSecret() unexpected error: %v", err)
	}
	if !ab.Equal(ba) {
		t.Fatal("derive(A,B) != derive(B,A)")
	}

	ac, _ := a.DeriveSharedSecret(alice.PrivateKey, carol.PublicKey)
	if ab.Equal(ac) {
		t.Error("derive(A,B) == derive(A,C)")
	}

	// The derived key is usable for encryption.
	iv := mustIV(t, a)
	sealed, err := a.Encrypt([]byte("hi bob"), ab, iv)
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}
	got, err := a.Decrypt(sealed, ba)
	if err != nil || string(got) != "hi bob" {
		t.Errorf("Decrypt() = %q, %v", got, err)
	}
}

func TestECDHKeyImportExport(t *testing.T) {
	a := NewAdapter()
	pair, _ := a.GenerateECDHKeyPair()
	peer, _ := a.GenerateECDHKeyPair()

	pub, err := a.ImportPublicKey(a.ExportPublicKey(pair.PublicKey))
	if err != nil {
		t.Fatalf("ImportPublicKey() unexpected error: %v", err)
	}
	priv, err := a.ImportPrivateKey(a.ExportPrivateKey(pair.PrivateKey))
	if err != nil {
		t.Fatalf("ImportPrivateKey() unexpected error: %v", err)
	}
	if !pub.Equal(pair.PublicKey) {
		t.Error("imported public key differs")
	}

	want, _ := a.DeriveSharedSecret(pair.PrivateKey, peer.PublicKey)
	got, _ := a.DeriveSharedSecret(priv, peer.PublicKey)
	if !got.Equal(want) {
		t.Error("imported private key derives a different secret")
	}

	if _, err := a.ImportPublicKey([]byte("short")); err != ErrInvalidPublicKey {
		t.Errorf("expected ErrInvalidPublicKey, got %v", err)
	}
	if _, err := a.ImportPrivateKey([]byte("short")); err != ErrInvalidPrivateKey {
		t.Errorf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestDeriveKeyFromPassword(t *testing.T) {
	a := NewAdapter()
	salt := []byte("0123456789abcdef")

	k1, err := a.DeriveKeyFromPassword("correct horse", salt, 1000)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassword() unexpected error: %v", err)
	}
	k2, _ := a.DeriveKeyFromPassword("correct horse", salt, 1000)
	if !k1.Equal(k2) {
		t.Error("same inputs derived different keys")
	}

	variants := []struct {
		name       string
		password   string
		salt       []byte
		iterations int
	}{
		{"password", "correct horsf", salt, 1000},
		{"salt", "correct horse", []byte("0123456789abcdeg"), 1000},
		{"iterations", "correct horse", salt, 1001},
	}
	for _, v := range variants {
		k, err := a.DeriveKeyFromPassword(v.password, v.salt, v.iterations)
		if err != nil {
			t.Fatalf("DeriveKeyFromPassword(%s) unexpected error: %v", v.name, err)
		}
		if k.Equal(k1) {
			t.Errorf("changing %s did not change the key", v.name)
		}
	}

	if _, err := a.DeriveKeyFromPassword("x", salt, 0); err != ErrInvalidIterations {
		t.Errorf("expected ErrInvalidIterations, got %v", err)
	}
}

func TestDeriveKeyFromPasswordNonASCII(t *testing.T) {
	a := NewAdapter()
	salt := []byte("salt-salt-salt-!")

	k1, err := a.DeriveKeyFromPassword("pässwörd-密码", salt, 500)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassword() unexpected error: %v", err)
	}
	k2, _ := a.DeriveKeyFromPassword("pässwörd-密码", salt, 500)
	if !k1.Equal(k2) {
		t.Error("non-ASCII password is not deterministic")
	}
	k3, _ := a.DeriveKeyFromPassword("passwörd-密码", salt, 500)
	if k1.Equal(k3) {
		t.Error("distinct non-ASCII passwords derived the same key")
	}
}
