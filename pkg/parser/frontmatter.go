package parser

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Meta is document metadata lifted from markdown frontmatter. Dates fill
// provenance gaps for local uploads, which carry no connector timestamps.
type Meta struct {
	Title    string     `json:"title,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
}

// splitFrontmatter extracts a leading YAML frontmatter block. Content
// without one comes back unchanged with a nil Meta. Only scalar key-value
// lines are read; anything else is skipped.
func splitFrontmatter(data []byte) (*Meta, []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimRight(scanner.Text(), "\r") != "---" {
		return nil, data
	}

	meta := &Meta{}
	closed := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "---" {
			closed = true
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if value == "" {
			continue
		}
		switch key {
		case "title", "name":
			if meta.Title == "" {
				meta.Title = value
			}
		case "created", "created_time", "date":
			if meta.Created == nil {
				if t, err := dateparse.ParseAny(value); err == nil {
					meta.Created = &t
				}
			}
		case "updated", "modified", "modified_time":
			if meta.Modified == nil {
				if t, err := dateparse.ParseAny(value); err == nil {
					meta.Modified = &t
				}
			}
		}
	}
	if !closed {
		// An unterminated block is content, not frontmatter.
		return nil, data
	}

	var body bytes.Buffer
	for scanner.Scan() {
		body.WriteString(scanner.Text())
		body.WriteString("\n")
	}
	if meta.Title == "" && meta.Created == nil && meta.Modified == nil {
		meta = nil
	}
	return meta, body.Bytes()
}
