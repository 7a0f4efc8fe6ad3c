package feeds

import (
	"regexp"
	"strings"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
)

// CaseFormat selects the letter case an exchange expects.
type CaseFormat string

const (
	CaseUpper CaseFormat = "upper"
	CaseLower CaseFormat = "lower"
	CaseMixed CaseFormat = "mixed"
)

// SymbolConventions describes how one exchange spells pair symbols.
type SymbolConventions struct {
	Separator       string            `yaml:"separator"`
	BaseFirst       bool              `yaml:"base_first"`
	CaseFormat      CaseFormat        `yaml:"case_format"`
	SpecialMappings map[string]string `yaml:"special_mappings,omitempty"` // canonical token -> exchange token
}

var tokenRe = regexp.MustCompile(`^[A-Z0-9]{2,}$`)

// inverseAliases maps venue-specific tickers back to canonical ones.
var inverseAliases = map[string]string{
	"XBT":  "BTC",
	"XDG":  "DOGE",
	"XXBT": "BTC",
	"XETH": "ETH",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZJPY": "JPY",
}

var knownQuotes = []string{
	"USDT", "USDC", "BUSD", "TUSD", "DAI",
	"USD", "EUR", "GBP", "JPY", "AUD", "CAD", "CHF", "NZD",
	"BTC", "ETH",
}

// NormalizeSymbol canonicalizes a raw exchange symbol into BASE/QUOTE form.
// Separators are stripped, venue aliases unwound, and separator-free pairs
// split on a known quote suffix.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", errs.New(errs.KindInvalidSymbol, "normalize", "empty symbol")
	}

	for _, sep := range []string{"/", "-", "_", ":", "."} {
		if strings.Contains(s, sep) {
			parts := strings.SplitN(s, sep, 2)
			return joinCanonical(parts[0], parts[1])
		}
	}

	// No separator: try known quote suffixes, longest first.
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return joinCanonical(s[:len(s)-len(quote)], quote)
		}
	}
	return "", errs.Newf(errs.KindInvalidSymbol, "normalize", "cannot split %q into base/quote", raw)
}

func joinCanonical(base, quote string) (string, error) {
	base = canonicalToken(base)
	quote = canonicalToken(quote)
	if !tokenRe.MatchString(base) || !tokenRe.MatchString(quote) {
		return "", errs.Newf(errs.KindInvalidSymbol, "normalize", "invalid pair tokens %q/%q", base, quote)
	}
	return base + "/" + quote, nil
}

func canonicalToken(tok string) string {
	tok = strings.ToUpper(strings.TrimSpace(tok))
	if mapped, ok := inverseAliases[tok]; ok {
		return mapped
	}
	return tok
}

// ToExchangeSymbol renders a canonical BASE/QUOTE symbol in an exchange's
// convention. Special mappings win over case formatting.
func ToExchangeSymbol(canonical string, conv SymbolConventions) (string, error) {
	base, quote, err := SplitCanonical(canonical)
	if err != nil {
		return "", err
	}

	mapToken := func(tok string) string {
		if conv.SpecialMappings != nil {
			if mapped, ok := conv.SpecialMappings[tok]; ok {
				return mapped
			}
		}
		switch conv.CaseFormat {
		case CaseLower:
			return strings.ToLower(tok)
		case CaseMixed:
			lower := strings.ToLower(tok)
			return strings.ToUpper(lower[:1]) + lower[1:]
		default:
			return tok
		}
	}

	first, second := mapToken(base), mapToken(quote)
	if !conv.BaseFirst {
		first, second = second, first
	}
	return first + conv.Separator + second, nil
}

// SplitCanonical splits a canonical symbol and validates its shape: exactly
// one slash, both tokens [A-Z0-9]{2,}.
func SplitCanonical(canonical string) (base, quote string, err error) {
	parts := strings.Split(canonical, "/")
	if len(parts) != 2 || !tokenRe.MatchString(parts[0]) || !tokenRe.MatchString(parts[1]) {
		return "", "", errs.Newf(errs.KindInvalidSymbol, "split", "malformed canonical symbol %q", canonical)
	}
	return parts[0], parts[1], nil
}

var fiatCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "AUD": true,
	"CAD": true, "CHF": true, "NZD": true, "CNY": true, "KRW": true,
}

var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "TUSD": true, "DAI": true,
}

var metalEnergyCodes = map[string]bool{
	"XAU": true, "XAG": true, "XPT": true, "XPD": true,
	"WTI": true, "BRENT": true, "NG": true,
}

// ValidForCategory reports whether a canonical symbol's quote currency is
// admissible for the feed category. Pure function.
func ValidForCategory(canonical string, category Category) bool {
	base, quote, err := SplitCanonical(canonical)
	if err != nil {
		return false
	}
	switch category {
	case CategoryCrypto:
		return fiatCurrencies[quote] || stablecoins[quote] || tokenRe.MatchString(quote)
	case CategoryForex:
		return fiatCurrencies[base] && fiatCurrencies[quote]
	case CategoryCommodity:
		return metalEnergyCodes[base] && (fiatCurrencies[quote] || stablecoins[quote])
	case CategoryStock:
		return fiatCurrencies[quote] || stablecoins[quote]
	default:
		return false
	}
}
