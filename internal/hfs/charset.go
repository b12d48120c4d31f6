// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import "strings"

// macRomanToUTF8 and utf8ToMacRoman handle the 0x80-0xFF high half of Mac
// OS Roman; the low half is plain ASCII. utf8ToMacRoman replaces any
// character with no Mac OS Roman equivalent by '?' rather than rejecting
// the name.
var macRomanHigh = [128]rune{
	'Ä', 'Å', 'Ç', 'É', 'Ñ', 'Ö', 'Ü', 'á', 'à', 'â', 'ä', 'ã', 'å', 'ç', 'é', 'è',
	'ê', 'ë', 'í', 'ì', 'î', 'ï', 'ñ', 'ó', 'ò', 'ô', 'ö', 'õ', 'ú', 'ù', 'û', 'ü',
	'†', '°', '¢', '£', '§', '•', '¶', 'ß', '®', '©', '™', '´', '¨', '≠', 'Æ', 'Ø',
	'∞', '±', '≤', '≥', '¥', 'µ', '∂', '∑', '∏', 'π', '∫', 'ª', 'º', 'Ω', 'æ', 'ø',
	'¿', '¡', '¬', '√', 'ƒ', '≈', '∆', '«', '»', '…', ' ', 'À', 'Ã', 'Õ', 'Œ', 'œ',
	'–', '—', '“', '”', '‘', '’', '÷', '◊', 'ÿ', 'Ÿ', '⁄', '€', '‹', '›', 'ﬁ', 'ﬂ',
	'‡', '·', '‚', '„', '‰', 'Â', 'Ê', 'Á', 'Ë', 'È', 'Í', 'Î', 'Ï', 'Ì', 'Ó', 'Ô',
	'', 'Ò', 'Ú', 'Û', 'Ù', 'ı', 'ˆ', '˜', '¯', '˘', '˙', '˚', '¸', '˝', '˛', 'ˇ',
}

var macRomanHighRev map[rune]byte

func init() {
	macRomanHighRev = make(map[rune]byte, len(macRomanHigh))
	for i, r := range macRomanHigh {
		if r != 0 {
			macRomanHighRev[r] = byte(0x80 + i)
		}
	}
}

// MacRomanToUTF8 and UTF8ToMacRoman export the conversion table above for
// internal/legacyfs's MFS engine, which shares HFS's Mac-Roman charset
// (spec.md §9's charset note) without needing its own copy of the table.
func MacRomanToUTF8(b []byte) string { return macRomanToUTF8(b) }
func UTF8ToMacRoman(s string) []byte { return utf8ToMacRoman(s) }

// CompareNames exports compareHFSNames for the same reason.
func CompareNames(a, b string) int { return compareHFSNames(a, b) }

func macRomanToUTF8(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c < 0x80 {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(macRomanHigh[c-0x80])
		}
	}
	return sb.String()
}

func utf8ToMacRoman(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r < 0x80 {
			out = append(out, byte(r))
			continue
		}
		if b, ok := macRomanHighRev[r]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, '?')
	}
	return out
}

// compareHFSNames implements spec.md §4.8's "HFS Mac-Roman collation
// that folds case": a strings.ToUpper case fold (which also folds
// non-ASCII letters), adequate for the
// overwhelming majority of real volume names and far simpler than Apple's
// full accent-aware ordering table, which this engine does not attempt
// to reproduce exactly.
func compareHFSNames(a, b string) int {
	fa, fb := foldHFS(a), foldHFS(b)
	if fa < fb {
		return -1
	}
	if fa > fb {
		return 1
	}
	return 0
}

func foldHFS(s string) string {
	return strings.ToUpper(s)
}
