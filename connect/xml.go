// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// decodeXML converts an xml document into nested maps. Element names keep
// their namespace prefix ("ns4:modelCode"), attributes are keyed "@name",
// text next to attributes or children is keyed "#text" and repeated
// elements become lists. An element with only text becomes a string and an
// empty one becomes nil.
func decodeXML(body []byte) (map[string]interface{}, error) {
	const op = "decodeXML"
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%s: document has no root element: %w", op, ErrInvalidParameter)
	}
	return map[string]interface{}{qualified(root.Space, root.Tag): xmlValue(root)}, nil
}

func qualified(space, name string) string {
	if space == "" {
		return name
	}
	return space + ":" + name
}

func xmlValue(e *etree.Element) interface{} {
	children := e.ChildElements()
	text := strings.TrimSpace(e.Text())
	if len(e.Attr) == 0 && len(children) == 0 {
		if text == "" {
			return nil
		}
		return text
	}
	m := make(map[string]interface{}, len(e.Attr)+len(children)+1)
	for _, a := range e.Attr {
		m["@"+qualified(a.Space, a.Key)] = a.Value
	}
	counts := make(map[string]int, len(children))
	for _, c := range children {
		counts[qualified(c.Space, c.Tag)]++
	}
	for _, c := range children {
		key := qualified(c.Space, c.Tag)
		if counts[key] == 1 {
			m[key] = xmlValue(c)
			continue
		}
		list, _ := m[key].([]interface{})
		m[key] = append(list, xmlValue(c))
	}
	if text != "" {
		m["#text"] = text
	}
	return m
}
