// Package tomlenc renders the small TOML subset the rathole and backhaul
// cores consume: flat tables of strings, integers, booleans, and string
// lists. Keys are emitted in insertion order so generated configs are
// stable across restarts and diffable in logs.
package tomlenc

import (
	"strconv"
	"strings"
)

// Writer builds a TOML document incrementally.
type Writer struct {
	b        strings.Builder
	anything bool
}

// New returns an empty document writer.
func New() *Writer {
	return &Writer{}
}

// Table starts a [name] section. Dotted names open nested tables.
func (w *Writer) Table(name string) {
	if w.anything {
		w.b.WriteString("\n")
	}
	w.b.WriteString("[")
	w.b.WriteString(name)
	w.b.WriteString("]\n")
	w.anything = true
}

// Str emits key = "value" with quote and backslash escaping.
func (w *Writer) Str(key, value string) {
	w.b.WriteString(key)
	w.b.WriteString(" = ")
	w.b.WriteString(quote(value))
	w.b.WriteString("\n")
	w.anything = true
}

// Int emits key = value.
func (w *Writer) Int(key string, value int) {
	w.b.WriteString(key)
	w.b.WriteString(" = ")
	w.b.WriteString(strconv.Itoa(value))
	w.b.WriteString("\n")
	w.anything = true
}

// Bool emits key = true|false.
func (w *Writer) Bool(key string, value bool) {
	w.b.WriteString(key)
	w.b.WriteString(" = ")
	w.b.WriteString(strconv.FormatBool(value))
	w.b.WriteString("\n")
	w.anything = true
}

// StrList emits key = ["a", "b"].
func (w *Writer) StrList(key string, values []string) {
	w.b.WriteString(key)
	w.b.WriteString(" = [")
	for i, v := range values {
		if i > 0 {
			w.b.WriteString(", ")
		}
		w.b.WriteString(quote(v))
	}
	w.b.WriteString("]\n")
	w.anything = true
}

// String returns the rendered document.
func (w *Writer) String() string {
	return w.b.String()
}

// Bytes returns the rendered document.
func (w *Writer) Bytes() []byte {
	return []byte(w.b.String())
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
