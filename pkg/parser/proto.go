package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// wireRequest is one parse request on the worker's stdin.
type wireRequest struct {
	ID      uint64  `json:"id"`
	Request Request `json:"request"`
}

// wireResponse is one parse result on the worker's stdout.
type wireResponse struct {
	ID       uint64    `json:"id"`
	Document *Document `json:"document,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// RunWorkerLoop serves parse requests over a line-delimited JSON protocol.
// It is the body of the parse-worker subprocess: read a request, parse,
// write the response, repeat until stdin closes.
func RunWorkerLoop(p Parser, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("malformed request: %w", err)
		}

		resp := wireResponse{ID: req.ID}
		doc, err := p.Parse(context.Background(), req.Request)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Document = doc
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return scanner.Err()
}
