package csv

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// aliases covers the names operators actually type for the encodings public
// extracts ship in. Everything else goes through the IANA registry.
var aliases = map[string]encoding.Encoding{
	"latin1":       charmap.ISO8859_1,
	"latin-1":      charmap.ISO8859_1,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso8859-1":    charmap.ISO8859_1,
	"iso-8859-15":  charmap.ISO8859_15,
	"cp1252":       charmap.Windows1252,
	"windows-1252": charmap.Windows1252,
	"cp850":        charmap.CodePage850,
}

// LookupEncoding resolves an encoding name. UTF-8 (and the empty name) return
// a nil Encoding: input is passed through untouched.
func LookupEncoding(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	if e, ok := aliases[n]; ok {
		return e, nil
	}
	e, err := ianaindex.IANA.Encoding(n)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
	if e == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return e, nil
}

// decodingReader wraps r so it yields UTF-8.
func decodingReader(r io.Reader, name string) (io.Reader, error) {
	e, err := LookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return r, nil
	}
	return transform.NewReader(r, e.NewDecoder()), nil
}
