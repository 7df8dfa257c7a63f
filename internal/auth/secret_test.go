package auth

import "testing"

func TestHashAndVerifySecret(t *testing.T) {
	encoded, err := HashSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}

	ok, err := VerifySecret("correct horse battery staple", encoded)
	if err != nil {
		t.Fatalf("verify secret: %v", err)
	}
	if !ok {
		t.Fatal("expected matching secret to verify")
	}

	ok, err = VerifySecret("wrong secret", encoded)
	if err != nil {
		t.Fatalf("verify wrong secret: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched secret to fail verification")
	}
}

func TestVerifySecretRejectsMalformedHash(t *testing.T) {
	if _, err := VerifySecret("anything", "not-an-encoded-hash"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
	if _, err := VerifySecret("anything", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA"); err == nil {
		t.Fatal("expected error for wrong algorithm")
	}
}

func TestGenerateTokenIsUnique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}
	if HashToken(a) == HashToken(b) {
		t.Fatal("expected distinct token hashes")
	}
}
