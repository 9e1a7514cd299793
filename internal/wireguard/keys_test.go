package wireguard

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if a.Private == b.Private || a.Public == b.Public {
		t.Fatal("two generated key pairs are equal")
	}
	if a.Private.PublicKey() != a.Public {
		t.Fatal("public key does not match private key")
	}
	parsed, err := ParseKey(" " + a.Public.String() + "\n")
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if parsed != a.Public {
		t.Fatal("ParseKey() round trip mismatch")
	}
}

func TestKeyPairNeverPrintsPrivateKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	secret := kp.Private.String()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("issued", "identity", kp)

	for name, out := range map[string]string{
		"%v":  fmt.Sprintf("%v", kp),
		"%+v": fmt.Sprintf("%+v", kp),
		"%#v": fmt.Sprintf("%#v", kp),
		"%s":  fmt.Sprintf("%s", kp),
		"slog": buf.String(),
	} {
		if strings.Contains(out, secret) {
			t.Errorf("%s output leaks private key: %q", name, out)
		}
		if !strings.Contains(out, kp.Public.String()) {
			t.Errorf("%s output missing public key: %q", name, out)
		}
	}
}
