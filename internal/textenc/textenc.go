// Package textenc decodes text files whose character encoding is not known
// up front by trying an ordered list of candidate encodings.
package textenc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// ErrUndecodable is returned when no candidate decodes the input cleanly
var ErrUndecodable = errors.New("no candidate encoding decodes the input")

// Candidate is a named encoding to try
type Candidate struct {
	Name     string
	Encoding encoding.Encoding
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DefaultCandidates is the order used for metadata sheets exported by the CRM:
// UTF-8 first, then the Western European single-byte code pages.
var DefaultCandidates = []Candidate{
	{Name: "utf-8", Encoding: unicode.UTF8},
	{Name: "windows-1252", Encoding: charmap.Windows1252},
	{Name: "iso-8859-1", Encoding: charmap.ISO8859_1},
}

// Decode returns data as UTF-8 text using the first candidate that decodes it
// without replacement characters, together with that candidate's name.
func Decode(data []byte, candidates []Candidate) (string, string, error) {
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("no candidate encodings given")
	}

	for _, c := range candidates {
		text, ok := decodeWith(data, c.Encoding)
		if ok {
			return text, c.Name, nil
		}
	}
	return "", "", ErrUndecodable
}

// ReadFile reads path and decodes it with Decode
func ReadFile(path string, candidates []Candidate) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	text, name, err := Decode(data, candidates)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return text, name, nil
}

func decodeWith(data []byte, enc encoding.Encoding) (string, bool) {
	if enc == unicode.UTF8 {
		if !utf8.Valid(data) {
			return "", false
		}
		return string(bytes.TrimPrefix(data, utf8BOM)), true
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}
