package credential

import "testing"

func TestCredentialStates(t *testing.T) {
	if Unset().Known() {
		t.Fatalf("unset must not be known")
	}
	var zero Credential
	if !zero.Equal(Unset()) {
		t.Fatalf("zero value should be unset")
	}
	if !Absent().Known() || !Absent().IsAbsent() {
		t.Fatalf("absent should be known and absent")
	}
	tok := Token("abc")
	if !tok.Known() || tok.IsAbsent() {
		t.Fatalf("token should be known and present")
	}
	if got, ok := tok.Bearer(); !ok || got != "abc" {
		t.Fatalf("unexpected bearer: %q %v", got, ok)
	}
	if _, ok := Absent().Bearer(); ok {
		t.Fatalf("absent credential must not carry a bearer")
	}
	if !Token("").Equal(Absent()) {
		t.Fatalf("empty token should collapse to absent")
	}
	if Token("a").Equal(Token("b")) {
		t.Fatalf("different tokens must differ")
	}
	if tok.String() == "abc" {
		t.Fatalf("string must redact the token")
	}
}
