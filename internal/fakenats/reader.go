package fakenats

import (
	"bufio"
	"io"
	"strings"
)

// lineReader reads CRLF-delimited protocol lines while still exposing raw
// byte reads for PUB payloads that follow the argument line.
type lineReader struct {
	buffered *bufio.Reader
}

func newLineReader(source io.Reader) *lineReader {
	return &lineReader{buffered: bufio.NewReader(source)}
}

func (reader *lineReader) readLine() (string, error) {
	line, err := reader.buffered.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (reader *lineReader) Read(target []byte) (int, error) {
	return reader.buffered.Read(target)
}
