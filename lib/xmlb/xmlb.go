// Package xmlb builds XML documents element by element. Job order dialects
// pick element names at runtime (variant flags rename sections), which
// rules out static struct tags for serialization.
package xmlb

import (
	"bytes"
	"encoding/xml"
	"strconv"
)

// Builder writes one XML document. Errors are sticky: after the first
// failure every call is a no-op and Bytes returns the error.
type Builder struct {
	buf  bytes.Buffer
	enc  *xml.Encoder
	open []string
	err  error
}

// New creates a Builder with an XML declaration and two-space indent.
func New() *Builder {
	b := &Builder{}
	b.buf.WriteString(xml.Header)
	b.enc = xml.NewEncoder(&b.buf)
	b.enc.Indent("", "  ")
	return b
}

// Attr is an element attribute.
type Attr struct {
	Name  string
	Value string
}

// Count returns a "count" attribute, as used by list elements.
func Count(n int) Attr {
	return Attr{Name: "count", Value: strconv.Itoa(n)}
}

func xmlAttrs(attrs []Attr) []xml.Attr {
	if len(attrs) == 0 {
		return nil
	}
	list := make([]xml.Attr, len(attrs))
	for i, a := range attrs {
		list[i] = xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value}
	}
	return list
}

// Open starts an element that will contain child elements.
func (b *Builder) Open(name string, attrs ...Attr) {
	if b.err != nil {
		return
	}
	b.err = b.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}, Attr: xmlAttrs(attrs)})
	if b.err == nil {
		b.open = append(b.open, name)
	}
}

// Close ends the most recently opened element.
func (b *Builder) Close() {
	if b.err != nil || len(b.open) == 0 {
		return
	}
	name := b.open[len(b.open)-1]
	b.open = b.open[:len(b.open)-1]
	b.err = b.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

// Element writes a leaf element holding text.
func (b *Builder) Element(name, text string, attrs ...Attr) {
	if b.err != nil {
		return
	}
	b.Open(name, attrs...)
	if b.err == nil && text != "" {
		b.err = b.enc.EncodeToken(xml.CharData(text))
	}
	b.Close()
}

// Bytes closes any elements left open, flushes the encoder and returns the
// document.
func (b *Builder) Bytes() ([]byte, error) {
	for len(b.open) != 0 && b.err == nil {
		b.Close()
	}
	if b.err == nil {
		b.err = b.enc.Flush()
	}
	if b.err != nil {
		return nil, b.err
	}
	b.buf.WriteString("\n")
	return b.buf.Bytes(), nil
}
