// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package codec

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dumpvault/internal/models"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func writePayload(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	work := t.TempDir()

	plaintext := bytes.Repeat([]byte("mongodump archive bytes "), 10000)
	src := writePayload(t, work, "shop.archive.gz", plaintext)

	res, err := Encrypt(ctx, key, src, work)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("plaintext should be deleted after encryption")
	}
	if res.SizeBytes != int64(len(plaintext)) {
		t.Errorf("SizeBytes = %d, want %d", res.SizeBytes, len(plaintext))
	}
	if !strings.HasSuffix(res.Dir, EncryptedDirSuffix) {
		t.Errorf("Dir = %s, want suffix %s", res.Dir, EncryptedDirSuffix)
	}
	for _, f := range []string{CiphertextFile, IVFile, TagFile, SidecarFile} {
		if _, err := os.Stat(filepath.Join(res.Dir, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
	ct, _ := os.ReadFile(res.CiphertextPath)
	if bytes.Contains(ct, []byte("mongodump archive bytes")) {
		t.Error("ciphertext contains plaintext")
	}

	out, err := Decrypt(ctx, key, res.Dir, DecryptOptions{})
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if out != src {
		t.Errorf("output = %s, want %s", out, src)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("decrypted bytes differ from plaintext")
	}
	if _, err := os.Stat(res.Dir); !os.IsNotExist(err) {
		t.Error("encrypted directory should be deleted after decryption")
	}
}

func TestEncrypt_EmptyFile(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	work := t.TempDir()
	src := writePayload(t, work, "empty.bin", nil)

	res, err := Encrypt(ctx, key, src, work)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	out, err := Decrypt(ctx, key, res.Dir, DecryptOptions{})
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() != 0 {
		t.Errorf("expected empty output, got %v %v", info, err)
	}
}

func TestEncryptDecrypt_Directory(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	work := t.TempDir()

	src := filepath.Join(work, "dump")
	if err := os.MkdirAll(filepath.Join(src, "shop"), 0o700); err != nil {
		t.Fatal(err)
	}
	writePayload(t, filepath.Join(src, "shop"), "orders.bson", []byte("orders"))
	writePayload(t, filepath.Join(src, "shop"), "orders.metadata.json", []byte(`{"indexes":[]}`))
	writePayload(t, src, "oplog.bson", []byte("oplog"))

	res, err := Encrypt(ctx, key, src, work)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if res.Sidecar.Kind != PayloadTar {
		t.Errorf("Kind = %s, want %s", res.Sidecar.Kind, PayloadTar)
	}

	restored := filepath.Join(work, "restored")
	out, err := Decrypt(ctx, key, res.Dir, DecryptOptions{OutPath: restored})
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "shop", "orders.bson"))
	if err != nil || string(got) != "orders" {
		t.Errorf("orders.bson = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(out, "oplog.bson"))
	if err != nil || string(got) != "oplog" {
		t.Errorf("oplog.bson = %q, %v", got, err)
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	tests := []struct {
		name   string
		offset int
	}{
		{"first byte", 0},
		{"middle", 100},
		{"last byte", 4095},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			key := testKey(t)
			work := t.TempDir()
			src := writePayload(t, work, "db.gz", bytes.Repeat([]byte{7}, 4096))

			res, err := Encrypt(ctx, key, src, work)
			if err != nil {
				t.Fatal(err)
			}
			ct, _ := os.ReadFile(res.CiphertextPath)
			ct[tt.offset] ^= 0xff
			if err := os.WriteFile(res.CiphertextPath, ct, 0o600); err != nil {
				t.Fatal(err)
			}

			_, err = Decrypt(ctx, key, res.Dir, DecryptOptions{})
			if !errors.Is(err, models.ErrAuthentication) {
				t.Fatalf("Decrypt() error = %v, want ErrAuthentication", err)
			}
			if errors.Is(err, models.ErrIntegrity) {
				t.Error("altered ciphertext must not be reported as an integrity failure")
			}
			if _, err := os.Stat(src); !os.IsNotExist(err) {
				t.Error("no plaintext may be produced on authentication failure")
			}
			if _, err := os.Stat(res.Dir); err != nil {
				t.Error("encrypted directory must survive a failed decryption")
			}
			assertNoTempFiles(t, work)
		})
	}
}

func TestDecrypt_CorruptSidecarHashReportsIntegrity(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	work := t.TempDir()
	src := writePayload(t, work, "db.gz", []byte("payload"))

	res, err := Encrypt(ctx, key, src, work)
	if err != nil {
		t.Fatal(err)
	}
	// Ciphertext, iv and tag untouched; only the recorded hash is wrong.
	rewriteHash(t, res.Dir, []byte("something else"))

	_, err = Decrypt(ctx, key, res.Dir, DecryptOptions{})
	if !errors.Is(err, models.ErrIntegrity) {
		t.Fatalf("Decrypt() error = %v, want ErrIntegrity", err)
	}
	if errors.Is(err, models.ErrAuthentication) {
		t.Error("a valid tag must not be reported as an authentication failure")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("no plaintext may be produced on integrity failure")
	}
	if err := Verify(ctx, key, res.Dir); !errors.Is(err, models.ErrIntegrity) {
		t.Errorf("Verify() error = %v, want ErrIntegrity", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	src := writePayload(t, work, "db.gz", []byte("payload"))

	res, err := Encrypt(ctx, testKey(t), src, work)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Decrypt(ctx, testKey(t), res.Dir, DecryptOptions{})
	if !errors.Is(err, models.ErrAuthentication) {
		t.Fatalf("Decrypt() error = %v, want ErrAuthentication", err)
	}
}

func TestDecrypt_KeepCiphertext(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	work := t.TempDir()
	src := writePayload(t, work, "db.gz", []byte("payload"))

	res, err := Encrypt(ctx, key, src, work)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(ctx, key, res.Dir); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := Decrypt(ctx, key, res.Dir, DecryptOptions{KeepCiphertext: true}); err != nil {
		t.Fatal(err)
	}
	if !IsEncryptedDir(res.Dir) {
		t.Error("encrypted directory should be kept")
	}
	if _, err := Decrypt(ctx, key, res.Dir, DecryptOptions{}); err == nil {
		t.Error("decrypting over an existing output should fail")
	}
}

func TestEncrypt_FailureKeepsPlaintext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	work := t.TempDir()
	src := writePayload(t, work, "db.gz", []byte("payload"))

	if _, err := Encrypt(ctx, testKey(t), src, work); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("plaintext must survive a failed encryption")
	}
	if _, err := os.Stat(filepath.Join(work, "db.gz"+EncryptedDirSuffix)); !os.IsNotExist(err) {
		t.Error("partial encrypted directory should be removed")
	}
}

func TestEncrypt_EmptyKey(t *testing.T) {
	work := t.TempDir()
	src := writePayload(t, work, "db.gz", []byte("payload"))
	if _, err := Encrypt(context.Background(), nil, src, work); err == nil {
		t.Fatal("expected error for empty key")
	}
}

type stubKeys struct {
	key    []byte
	locked bool
}

func (s *stubKeys) WithUnlockedKey(fn func([]byte) error) error {
	if s.locked {
		return models.ErrVaultLocked
	}
	return fn(s.key)
}

func TestService(t *testing.T) {
	ctx := context.Background()
	keys := &stubKeys{key: testKey(t)}
	svc := NewService(keys)
	work := t.TempDir()
	src := writePayload(t, work, "db.gz", []byte("payload"))

	res, err := svc.Encrypt(ctx, src, filepath.Join(work, "enc"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if err := svc.Verify(ctx, res.Dir); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	keys.locked = true
	if _, err := svc.Decrypt(ctx, res.Dir, DecryptOptions{}); !errors.Is(err, models.ErrVaultLocked) {
		t.Fatalf("Decrypt() error = %v, want ErrVaultLocked", err)
	}

	keys.locked = false
	out, err := svc.Decrypt(ctx, res.Dir, DecryptOptions{OutPath: filepath.Join(work, "out.gz")})
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "payload" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTar_RejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	writeEvilTar(t, &buf)
	if err := extractTar(context.Background(), &buf, t.TempDir()); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
}

func rewriteHash(t *testing.T, dir string, ct []byte) {
	t.Helper()
	sc, err := ReadSidecar(dir)
	if err != nil {
		t.Fatal(err)
	}
	sc.ContentHash = sha256Hex(ct)
	data, err := json.Marshal(sc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, SidecarFile), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".dvdec-") {
			t.Errorf("temporary output left behind: %s", e.Name())
		}
	}
}
