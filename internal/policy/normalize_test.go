package policy

import "testing"

func TestNormalizeNodeID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"canonical", "!aabbccdd", "!aabbccdd", true},
		{"uppercase", "!AABBCCDD", "!aabbccdd", true},
		{"short hex", "!1d", "!0000001d", true},
		{"decimal", "2864434397", "!aabbccdd", true},
		{"bare hex with letters", "12ab", "!000012ab", true},
		{"bare decimal is decimal", "1234", "!000004d2", true},
		{"whitespace", "  !aabbccdd  ", "!aabbccdd", true},
		{"empty", "", "", false},
		{"bang only", "!", "", false},
		{"too long", "!aabbccdd0", "", false},
		{"not a node", "alice", "", false},
		{"decimal overflow", "99999999999", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeNodeID(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"!aabbccdd", "2864434397", "!1D", "12ab"}
	for _, in := range inputs {
		once, ok := NormalizeNodeID(in)
		if !ok {
			t.Fatalf("normalize %q failed", in)
		}
		twice, ok := NormalizeNodeID(once)
		if !ok || twice != once {
			t.Errorf("%q: normalize not idempotent (%q -> %q)", in, once, twice)
		}
	}
}

func TestHexNodeNumRoundTrip(t *testing.T) {
	nums := []uint32{0, 1, 0xaabbccdd, 0xffffffff}
	for _, n := range nums {
		id := NodeNumToHex(n)
		back, err := HexToNodeNum(id)
		if err != nil {
			t.Fatalf("HexToNodeNum(%q): %v", id, err)
		}
		if back != n {
			t.Errorf("round trip %d -> %q -> %d", n, id, back)
		}
	}
}

func TestAllowlistMatch(t *testing.T) {
	tests := []struct {
		name   string
		list   []string
		sender string
		want   bool
	}{
		{"exact", []string{"!aabbccdd"}, "!aabbccdd", true},
		{"decimal entry hex sender", []string{"2864434397"}, "!aabbccdd", true},
		{"hex entry decimal sender", []string{"!aabbccdd"}, "2864434397", true},
		{"wildcard", []string{"*"}, "!00000001", true},
		{"miss", []string{"!aabbccdd"}, "!00000001", false},
		{"empty list", nil, "!aabbccdd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllowlistMatch(tt.list, tt.sender); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
