// Package parser defines the document parsing contract and the isolated
// worker pool that runs parsers out of process.
//
// Parsing is CPU-heavy and frequently backed by native third-party code. A
// native crash must not take down the service, so parse requests are shipped
// to subprocess workers over a JSON stdio protocol; a dead worker fails only
// the request it was carrying.
package parser

import (
	"context"
)

// Page is the text of one parsed page.
type Page struct {
	PageNo int    `json:"page_no"`
	Text   string `json:"text"`
}

// Table is a parsed table and the page it appeared on.
type Table struct {
	PageNo int        `json:"page_no"`
	Rows   [][]string `json:"rows"`
}

// Document is the result of parsing one file.
type Document struct {
	Pages  []Page  `json:"pages"`
	Tables []Table `json:"tables"`

	// Meta carries metadata lifted from the document itself, e.g. markdown
	// frontmatter. Nil when the format has none.
	Meta *Meta `json:"meta,omitempty"`
}

// Request identifies the content to parse. Exactly one of Path or Content
// is set.
type Request struct {
	Path     string `json:"path,omitempty"`
	Content  []byte `json:"content,omitempty"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype,omitempty"`
}

// Parser converts file bytes into per-page text and per-table rows.
type Parser interface {
	Parse(ctx context.Context, req Request) (*Document, error)
}
