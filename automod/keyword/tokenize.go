package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonTokenChars                = regexp.MustCompile(`[^\pL\pN\s]+`)
	nonTokenCharsSkipCensorChars = regexp.MustCompile(`[^\pL\pN\s#*_-]`)
	censorChars                  = regexp.MustCompile(`[#*_-]+`)
)

// Splits free-form chat text in to tokens, including lower-case, unicode normalization, and some unicode folding (diacritics are removed).
//
// Punctuation splits tokens, so "spam,eggs" is two tokens.
func TokenizeTextWithRegex(text string, nonTokenCharsRegex *regexp.Regexp) []string {
	// this function needs to be re-defined in every function call to prevent a race condition
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	split := strings.ToLower(nonTokenCharsRegex.ReplaceAllString(text, " "))
	normed, _, err := transform.String(normFunc, split)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		normed = split
	}
	return strings.Fields(normed)
}

func TokenizeText(text string) []string {
	return TokenizeTextWithRegex(text, nonTokenChars)
}

// Like TokenizeText, but keeps characters commonly used to censor or obfuscate words ("b*dword", "bad_word") inside tokens, then strips them. This un-does simple obfuscation.
func TokenizeTextSkippingCensorChars(text string) []string {
	toks := TokenizeTextWithRegex(text, nonTokenCharsSkipCensorChars)
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		t = censorChars.ReplaceAllString(t, "")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
