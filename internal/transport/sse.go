// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// SSE READER
// =============================================================================

// sseDone is the server-sent terminator payload on OpenAI-style streams.
const sseDone = "[DONE]"

// MaxLineSize caps a single SSE line. A well-behaved stream sends small
// delta payloads; anything larger means a broken or hostile server.
const MaxLineSize = 64 * 1024

// SSEReader decodes data payloads from a server-sent-events body.
// Partial trailing lines are buffered across reads, so a payload split
// over two network chunks is reassembled before it is returned.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader wraps a streaming response body.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// Next returns the next data payload, skipping blank lines, comments,
// and non-data fields. io.EOF signals the end of the body.
func (s *SSEReader) Next() (string, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			if err == io.EOF && strings.HasPrefix(strings.TrimSpace(line), "data:") {
				// Body ended without a trailing newline.
				return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "data:")), nil
			}
			return "", err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			// event:, id:, retry: fields carry nothing we decode.
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
	}
}

// readLine accumulates one line up to MaxLineSize. On io.EOF the bytes
// read so far are returned alongside the error.
func (s *SSEReader) readLine() (string, error) {
	var buf strings.Builder
	for {
		chunk, err := s.reader.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > MaxLineSize {
			return "", fmt.Errorf("sse line too large: %d bytes", buf.Len())
		}
		switch err {
		case nil:
			return buf.String(), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return buf.String(), err
		}
	}
}
