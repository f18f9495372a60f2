package symbols

import "testing"

func TestCanonicalBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC", "BTC"},
		{"UBTC", "BTC"},
		{"WBTC", "BTC"},
		{"XBT", "BTC"},
		{"UETH", "ETH"},
		{"WETH", "ETH"},
		{"USOL", "SOL"},
		{"kPEPE", "PEPE"},
		{"kBONK", "BONK"},
		{"kSHIB", "SHIB"},
		{"1000SHIB", "SHIB"},
		{"KAVA", "KAVA"},
		{"purr", "PURR"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalBase(tt.in); got != tt.want {
			t.Errorf("CanonicalBase(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestSameAsset(t *testing.T) {
	if !SameAsset("UBTC", "BTC") {
		t.Error("UBTC and BTC should match")
	}
	if !SameAsset("kPEPE", "1000PEPE") {
		t.Error("kPEPE and 1000PEPE should match")
	}
	if SameAsset("KAVA", "AVA") {
		t.Error("KAVA must not be stripped to AVA")
	}
}
