package parser

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BasicParser handles plain text, markdown, and delimiter-separated files.
// Binary formats (PDF, DOCX) need an external parser binary configured on
// the worker pool.
type BasicParser struct{}

// Parse implements Parser.
func (p *BasicParser) Parse(ctx context.Context, req Request) (*Document, error) {
	content := req.Content
	if content == nil && req.Path != "" {
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", req.Path, err)
		}
		content = data
	}
	if content == nil {
		return nil, fmt.Errorf("request carries neither content nor path")
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	switch ext {
	case ".csv":
		return p.parseDelimited(content, ',')
	case ".tsv":
		return p.parseDelimited(content, '\t')
	case ".md", ".markdown":
		meta, body := splitFrontmatter(content)
		return &Document{
			Pages: []Page{{PageNo: 1, Text: string(body)}},
			Meta:  meta,
		}, nil
	default:
		return &Document{
			Pages: []Page{{PageNo: 1, Text: string(content)}},
		}, nil
	}
}

func (p *BasicParser) parseDelimited(content []byte, sep rune) (*Document, error) {
	r := csv.NewReader(strings.NewReader(string(content)))
	r.Comma = sep
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse delimited content: %w", err)
	}
	return &Document{
		Tables: []Table{{PageNo: 1, Rows: rows}},
	}, nil
}
