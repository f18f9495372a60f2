package symbols

import "strings"

// CanonicalBase collapses wrapped and rescaled listings of an asset onto one
// name so that safety floors and cross-venue lookups treat them as the same
// coin. Hyperliquid lists majors as UBTC/UETH/USOL on spot and rescaled memes
// as kPEPE-style names; Binance uses 1000-prefixed symbols for the same thing.
func CanonicalBase(base string) string {
	if base == "" {
		return ""
	}

	// Rescaled listings: kPEPE, kBONK, kSHIB. The lowercase k marker has to
	// be checked before uppercasing or names like KAVA would be mangled.
	if len(base) > 1 && base[0] == 'k' && base[1:] == strings.ToUpper(base[1:]) {
		base = base[1:]
	}

	b := strings.ToUpper(base)
	b = strings.TrimPrefix(b, "1000")

	switch b {
	case "UBTC", "WBTC", "XBT":
		return "BTC"
	case "UETH", "WETH":
		return "ETH"
	case "USOL", "WSOL", "JITOSOL":
		return "SOL"
	}
	return b
}

// SameAsset reports whether two base names refer to the same underlying coin.
func SameAsset(a, b string) bool {
	return CanonicalBase(a) == CanonicalBase(b)
}
