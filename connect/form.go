// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/yhat/scrape"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Form is a form extracted from an html page.
type Form struct {
	ID     string
	Action string
	Method string

	// Fields holds the form's hidden inputs.
	Fields url.Values
}

// FormScraper extracts a form by id from an html document. It returns an
// error wrapping ErrFormNotFound when the page has no such form.
type FormScraper interface {
	Form(body io.Reader, id string) (*Form, error)
}

// HTMLFormScraper is the default FormScraper.
type HTMLFormScraper struct{}

var _ FormScraper = HTMLFormScraper{}

// Form implements FormScraper.
func (HTMLFormScraper) Form(body io.Reader, id string) (*Form, error) {
	const op = "HTMLFormScraper.Form"
	if id == "" {
		return nil, fmt.Errorf("%s: missing form id: %w", op, ErrInvalidParameter)
	}
	root, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse html: %w", op, err)
	}
	node, ok := scrape.Find(root, func(n *html.Node) bool {
		return n.DataAtom == atom.Form && scrape.Attr(n, "id") == id
	})
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, id, ErrFormNotFound)
	}
	f := &Form{
		ID:     id,
		Action: scrape.Attr(node, "action"),
		Method: strings.ToUpper(scrape.Attr(node, "method")),
		Fields: url.Values{},
	}
	hidden := scrape.FindAll(node, func(n *html.Node) bool {
		return n.DataAtom == atom.Input && strings.EqualFold(scrape.Attr(n, "type"), "hidden")
	})
	for _, in := range hidden {
		name := scrape.Attr(in, "name")
		if name == "" {
			continue
		}
		f.Fields.Set(name, scrape.Attr(in, "value"))
	}
	return f, nil
}
