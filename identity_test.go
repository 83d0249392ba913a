package smite

import "testing"

func TestDerivePortStableAndInRange(t *testing.T) {
	seeds := []string{"a", "tunnel-1", "mesh-xyzwg-port", ""}
	for _, seed := range seeds {
		p1 := DerivePort(seed, FRPControlPortBase, FRPControlPortSpan)
		p2 := DerivePort(seed, FRPControlPortBase, FRPControlPortSpan)
		if p1 != p2 {
			t.Errorf("DerivePort(%q) not stable: %d vs %d", seed, p1, p2)
		}
		if p1 < FRPControlPortBase || p1 >= FRPControlPortBase+FRPControlPortSpan {
			t.Errorf("DerivePort(%q) = %d, out of range", seed, p1)
		}
	}
}

func TestDerivePortKnownValue(t *testing.T) {
	// MD5("test")[0:8] = 098f6bcd, 0x098f6bcd % 1000 = 189.
	if got := DerivePort("test", 7000, 1000); got != 7189 {
		t.Errorf("DerivePort(test) = %d, want 7189", got)
	}
}

func TestFingerprintShape(t *testing.T) {
	fp := Fingerprint("203.0.113.1:8080")
	if len(fp) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(fp))
	}
	if fp != Fingerprint("203.0.113.1:8080") {
		t.Error("fingerprint not stable")
	}
	if fp == Fingerprint("203.0.113.2:8080") {
		t.Error("distinct seeds collided")
	}
}

func TestAPIAddressDefaultsToAgentPort(t *testing.T) {
	n := Node{Metadata: map[string]string{MetaIPAddress: "203.0.113.1"}}
	if got, want := n.APIAddress(), "http://203.0.113.1:8080"; got != want {
		t.Errorf("APIAddress = %q, want %q", got, want)
	}

	n.Metadata[MetaAPIPort] = "9000"
	if got := n.APIAddress(); got != "http://203.0.113.1:9000" {
		t.Errorf("APIAddress with api_port = %q", got)
	}

	n.Metadata[MetaAPIAddress] = "https://agent.example.com"
	if got := n.APIAddress(); got != "https://agent.example.com" {
		t.Errorf("APIAddress override = %q", got)
	}
}

func TestSpecGetters(t *testing.T) {
	s := Spec{
		"str":   "x",
		"int":   3,
		"float": float64(9000), // JSON numbers decode as float64
		"nstr":  "42",
		"bool":  true,
	}
	if s.GetString("str") != "x" || s.GetString("missing") != "" {
		t.Error("GetString")
	}
	if s.GetInt("int") != 3 || s.GetInt("float") != 9000 || s.GetInt("nstr") != 42 {
		t.Errorf("GetInt: int=%d float=%d nstr=%d", s.GetInt("int"), s.GetInt("float"), s.GetInt("nstr"))
	}
	if !s.GetBool("bool") || s.GetBool("missing") {
		t.Error("GetBool")
	}
}

func TestSpecCloneDoesNotShareMap(t *testing.T) {
	s := Spec{"a": 1}
	c := s.Clone()
	c["a"] = 2
	c["b"] = 3
	if s.GetInt("a") != 1 {
		t.Error("Clone shares backing map")
	}
	if _, ok := s["b"]; ok {
		t.Error("Clone shares backing map")
	}
}
