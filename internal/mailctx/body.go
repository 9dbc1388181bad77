package mailctx

import "strings"

// BodyKind discriminates the mail body value.
type BodyKind string

const (
	BodyEmpty  BodyKind = "empty"
	BodyRaw    BodyKind = "raw"
	BodyParsed BodyKind = "parsed"
)

// Header is one MIME header field, preserved in encounter order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParsedMail is the structured mail tree produced by the MIME parser (an
// external collaborator; only its input/output contract is specified
// here). It supports the read-write header operations the policy engine
// needs at PostQ: get/set/add/prepend.
type ParsedMail struct {
	Headers []Header `json:"headers"`
	Content string   `json:"content"`
}

// Get returns the value of the first header matching name
// (case-insensitive), or "" if absent.
func (p *ParsedMail) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Set replaces the value of the first header matching name, or appends one
// if none exists.
func (p *ParsedMail) Set(name, value string) {
	for i := range p.Headers {
		if strings.EqualFold(p.Headers[i].Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Add(name, value)
}

// Add appends a new header, regardless of whether one by that name already
// exists.
func (p *ParsedMail) Add(name, value string) {
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Prepend inserts a new header before all others.
func (p *ParsedMail) Prepend(name, value string) {
	p.Headers = append([]Header{{Name: name, Value: value}}, p.Headers...)
}

// MailBody is the value stored in the sibling "mails/<id>" file: either the
// raw RFC 5322 bytes as received on the wire (post dot-unstuffing), or the
// structured tree produced once the working processor promotes Raw to
// Parsed. The working processor is the only component allowed to perform
// that promotion.
type MailBody struct {
	Kind   BodyKind    `json:"kind"`
	Raw    string      `json:"raw,omitempty"`
	Parsed *ParsedMail `json:"parsed,omitempty"`
}

// Render serializes the tree back into RFC 5322 bytes: headers in order,
// a blank separator line, then the content.
func (p *ParsedMail) Render() []byte {
	var b strings.Builder
	for _, h := range p.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(p.Content)
	return []byte(b.String())
}

// Bytes returns the wire form of the body: the raw bytes as received, or
// the parsed tree rendered back, or nil for an empty body.
func (b *MailBody) Bytes() []byte {
	switch b.Kind {
	case BodyRaw:
		return []byte(b.Raw)
	case BodyParsed:
		if b.Parsed != nil {
			return b.Parsed.Render()
		}
	}
	return nil
}

// BodyMarker is the compact placeholder stored inside a MailContext queue
// record in place of the actual body payload, so context files stay small;
// the real content lives in the sibling mails/<id> file and is loaded on
// demand by message_id.
type BodyMarker struct {
	Kind BodyKind `json:"kind"`
}
