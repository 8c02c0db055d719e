package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScannerParsesEvents(t *testing.T) {
	body := strings.Join([]string{
		"data: A",
		"",
		"event: status",
		"id: 42",
		"retry: 3000",
		"data: B",
		"",
	}, "\n")

	s := NewScanner(strings.NewReader(body))

	first, err := s.Next()
	assert.NoError(t, err)
	assert.Equal(t, "A", first.Data)
	assert.Empty(t, first.Name)

	second, err := s.Next()
	assert.NoError(t, err)
	assert.Equal(t, "status", second.Name)
	assert.Equal(t, "42", second.ID)
	assert.Equal(t, 3000, second.Retry)
	assert.Equal(t, "B", second.Data)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestScannerJoinsMultiLineData(t *testing.T) {
	body := "data: line one\ndata: line two\n\n"

	s := NewScanner(strings.NewReader(body))
	event, err := s.Next()
	assert.NoError(t, err)
	assert.Equal(t, "line one\nline two", event.Data)
}

func TestScannerSkipsCommentsAndBlankLines(t *testing.T) {
	body := ": keep-alive\n\n: another\ndata: payload\n\n"

	s := NewScanner(strings.NewReader(body))
	event, err := s.Next()
	assert.NoError(t, err)
	assert.Equal(t, "payload", event.Data)
}

func TestScannerHandlesCRLF(t *testing.T) {
	body := "data: windows\r\n\r\n"

	s := NewScanner(strings.NewReader(body))
	event, err := s.Next()
	assert.NoError(t, err)
	assert.Equal(t, "windows", event.Data)
}

func TestScannerFlushesTrailingEventAtEOF(t *testing.T) {
	// Upstream closed without the final blank line.
	s := NewScanner(strings.NewReader("data: tail\n"))

	event, err := s.Next()
	assert.NoError(t, err)
	assert.Equal(t, "tail", event.Data)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}
