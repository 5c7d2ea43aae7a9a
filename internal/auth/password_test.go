package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordPHC(t *testing.T) {
	encoded, err := HashPassword("s3cret-passphrase")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=65536,t=3,p=4$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}
	if !VerifyPassword(encoded, "s3cret-passphrase") {
		t.Fatal("expected password to verify")
	}
	if VerifyPassword(encoded, "s3cret-passphrasE") {
		t.Fatal("expected wrong password to fail")
	}

	again, err := HashPassword("s3cret-passphrase")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if again == encoded {
		t.Fatal("expected distinct salts")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=0,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$",
	} {
		if VerifyPassword(encoded, "anything") {
			t.Fatalf("malformed hash %q verified", encoded)
		}
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}
