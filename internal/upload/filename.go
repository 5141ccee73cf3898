package upload

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

var windowsDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM0": true, "COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT0": true, "LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
	"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SecureFilename reduces a client supplied name to a flat ASCII file name that
// is safe to join onto the upload directory. The result may be empty.
//
//	SecureFilename("My cool movie.mov")    == "My_cool_movie.mov"
//	SecureFilename("../../../etc/passwd")  == "etc_passwd"
//	SecureFilename("i contain cool ümläuts.txt") == "i_contain_cool_umlauts.txt"
func SecureFilename(name string) string {
	decomposed := norm.NFKD.String(name)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}

	ascii := strings.NewReplacer("/", " ", `\`, " ").Replace(b.String())
	cleaned := unsafeChars.ReplaceAllString(strings.Join(strings.Fields(ascii), "_"), "")
	cleaned = strings.Trim(cleaned, "._")

	if cleaned != "" {
		stem, _, _ := strings.Cut(cleaned, ".")
		if windowsDeviceNames[strings.ToUpper(stem)] {
			cleaned = "_" + cleaned
		}
	}
	return cleaned
}
