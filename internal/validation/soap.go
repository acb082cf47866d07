package validation

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// SOAPBody converts the first child of a SOAP envelope's Body into the
// map shape the field walker expects. The decoder never resolves
// external entities, and custom internal entities are rejected, so
// hostile documents cannot reach the filesystem or expand.
func SOAPBody(envelope []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(envelope))
	dec.Strict = true
	dec.Entity = map[string]string{}

	inBody := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("validation: no soap body element")
		}
		if err != nil {
			return nil, fmt.Errorf("validation: bad soap envelope: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if strings.EqualFold(se.Name.Local, "Body") {
			inBody = true
			continue
		}
		if inBody {
			val, err := decodeElement(dec, se)
			if err != nil {
				return nil, err
			}
			obj, ok := val.(map[string]any)
			if !ok {
				obj = map[string]any{"value": val}
			}
			return map[string]any{se.Name.Local: any(obj)}, nil
		}
	}
}

// decodeElement consumes one element tree. Leaf elements become their
// text; repeated sibling names collapse into arrays.
func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string]any{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("validation: truncated soap body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			val, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			if existing, ok := children[name]; ok {
				if arr, ok := existing.([]any); ok {
					children[name] = append(arr, val)
				} else {
					children[name] = []any{existing, val}
				}
			} else {
				children[name] = val
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) > 0 {
				return children, nil
			}
			return strings.TrimSpace(text.String()), nil
		}
	}
}
