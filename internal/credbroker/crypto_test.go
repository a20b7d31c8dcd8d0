package credbroker

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key := []byte("master-key-for-testing-purposes")
	secret := []byte("sk-ant-super-secret-token")

	blob, err := seal(key, "anthropic", secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := open(key, "anthropic", blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(secret) {
		t.Fatalf("open() = %q, want %q", got, secret)
	}
}

func TestOpenRejectsWrongBridgeID(t *testing.T) {
	key := []byte("master-key-for-testing-purposes")
	blob, err := seal(key, "anthropic", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := open(key, "openai", blob); err == nil {
		t.Fatal("expected open with mismatched bridge id to fail")
	}
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	key := []byte("master-key-for-testing-purposes")
	if _, err := open(key, "anthropic", []byte("short")); err == nil {
		t.Fatal("expected open with truncated blob to fail")
	}
}

func TestDeriveKeyDependsOnBridgeID(t *testing.T) {
	key := []byte("master-key-for-testing-purposes")
	a := deriveKey(key, "anthropic")
	b := deriveKey(key, "openai")
	if string(a) == string(b) {
		t.Fatal("expected distinct bridge ids to derive distinct keys")
	}
}
