package crypto

import "testing"

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if encoded[:4] != "dsc1" {
		t.Fatalf("unexpected prefix in %q", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("round trip mismatch: %s != %s", decoded, addr)
	}

	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if !restored.PubKey().Address().Equal(addr) {
		t.Fatalf("restored key derived a different address")
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("dsc/engine")
	b := ModuleAddress(" dsc/engine ")
	if !a.Equal(b) {
		t.Fatalf("module address should ignore surrounding whitespace")
	}
	if a.Equal(ModuleAddress("dsc/other")) {
		t.Fatalf("distinct modules must not collide")
	}
	if a.IsZero() {
		t.Fatalf("module address should not be zero")
	}
}

func TestAddressTextMarshalling(t *testing.T) {
	addr := ModuleAddress("text")
	text, err := addr.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Address
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Key() != addr.Key() {
		t.Fatalf("unexpected key after unmarshal")
	}
	if err := decoded.UnmarshalText([]byte("not-an-address")); err == nil {
		t.Fatalf("expected error for malformed address")
	}
	if _, err := AddressFromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected length validation error")
	}
}
