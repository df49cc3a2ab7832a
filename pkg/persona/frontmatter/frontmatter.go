// Package frontmatter splits, parses, and rewrites YAML frontmatter blocks
// in Markdown documents.
//
// A document either starts with a frontmatter block
//
//	---
//	name: code-reviewer
//	tags:
//	  - review
//	---
//
//	body...
//
// or has no block at all. The parser preserves the user's mapping verbatim,
// including key order and keys it does not understand, so that a rewrite of
// name/description does not reshuffle the rest of the block. That rules out
// unmarshaling into a map; the block is kept as a [yaml.Node] tree instead.
package frontmatter

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

var delimiter = []byte("---")

// Doc is a parsed document: an optional frontmatter mapping plus the body.
type Doc struct {
	meta *yaml.Node // mapping node; nil when the document has no block
	body []byte
}

// Parse splits src into frontmatter and body. A document without an opening
// delimiter parses as a body-only Doc. A malformed YAML block is an error.
func Parse(src []byte) (*Doc, error) {
	rest, ok := cutLine(src, delimiter)
	if !ok {
		return &Doc{body: src}, nil
	}

	block, body, ok := splitBlock(rest)
	if !ok {
		return nil, fmt.Errorf("parse frontmatter: missing closing delimiter")
	}

	var root yaml.Node
	if err := yaml.Unmarshal(block, &root); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	doc := &Doc{body: body}

	if len(root.Content) > 0 {
		mapping := root.Content[0]
		if mapping.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("parse frontmatter: block is not a mapping")
		}

		doc.meta = mapping
	}

	return doc, nil
}

// cutLine strips a line consisting of exactly prefix (plus line ending) from
// the start of src.
func cutLine(src []byte, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(src, prefix) {
		return nil, false
	}

	rest := src[len(prefix):]
	if after, ok := bytes.CutPrefix(rest, []byte("\r\n")); ok {
		return after, true
	}

	if after, ok := bytes.CutPrefix(rest, []byte("\n")); ok {
		return after, true
	}

	return nil, false
}

// splitBlock scans for the closing delimiter line ("---" or "...") and
// returns the YAML block before it and the body after it.
func splitBlock(src []byte) (block []byte, body []byte, ok bool) {
	offset := 0
	for offset <= len(src) {
		line := src[offset:]
		end := bytes.IndexByte(line, '\n')

		var next int
		if end == -1 {
			end = len(line)
			next = len(src)
		} else {
			next = offset + end + 1
		}

		trimmed := bytes.TrimRight(line[:end], "\r")
		if bytes.Equal(trimmed, []byte("---")) || bytes.Equal(trimmed, []byte("...")) {
			return src[:offset], src[next:], true
		}

		if next == len(src) && end == len(line) {
			break
		}

		offset = next
	}

	return nil, nil, false
}

// Body returns the document body after the frontmatter block. The slice
// aliases the parsed input.
func (d *Doc) Body() []byte {
	return d.body
}

// Has reports whether the frontmatter contains key at the top level.
func (d *Doc) Has(key string) bool {
	return d.value(key) != nil
}

// String returns the scalar value for key as a string.
func (d *Doc) String(key string) (string, bool) {
	node := d.value(key)
	if node == nil || node.Kind != yaml.ScalarNode {
		return "", false
	}

	return node.Value, true
}

// StringList returns the sequence value for key as strings. Non-scalar
// items are skipped.
func (d *Doc) StringList(key string) ([]string, bool) {
	node := d.value(key)
	if node == nil || node.Kind != yaml.SequenceNode {
		return nil, false
	}

	items := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind == yaml.ScalarNode {
			items = append(items, item.Value)
		}
	}

	return items, true
}

// SetString sets key to a string scalar at the top level, creating the
// frontmatter block if the document has none. Existing keys keep their
// position; new keys append.
func (d *Doc) SetString(key, value string) {
	d.ensureMeta()
	setMappingString(d.meta, key, value)
}

// SetNestedString sets parent.key to a string scalar, creating the parent
// mapping if needed.
func (d *Doc) SetNestedString(parent, key, value string) {
	d.ensureMeta()

	node := mappingValue(d.meta, parent)
	if node == nil || node.Kind != yaml.MappingNode {
		node = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setMappingNode(d.meta, parent, node)
	}

	setMappingString(node, key, value)
}

// Marshal serializes the document back to bytes. A Doc without frontmatter
// serializes as its body alone.
func (d *Doc) Marshal() ([]byte, error) {
	if d.meta == nil || len(d.meta.Content) == 0 {
		return d.body, nil
	}

	var buf bytes.Buffer

	buf.Write(delimiter)
	buf.WriteByte('\n')

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(d.meta); err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	buf.Write(delimiter)
	buf.WriteByte('\n')
	buf.Write(d.body)

	return buf.Bytes(), nil
}

func (d *Doc) ensureMeta() {
	if d.meta == nil {
		d.meta = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
}

// value returns the value node for a top-level key, or nil.
func (d *Doc) value(key string) *yaml.Node {
	if d.meta == nil {
		return nil
	}

	return mappingValue(d.meta, key)
}

func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}

	return nil
}

func setMappingString(mapping *yaml.Node, key, value string) {
	setMappingNode(mapping, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

func setMappingNode(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value

			return
		}
	}

	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}
