package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rafabd1/Nettle/internal/config"
	"github.com/rafabd1/Nettle/internal/utils"
)

// Reader reads endpoint lists ("METHOD /path" or "/path", one per line) from files or stdin.
type Reader struct {
	logger utils.Logger
	stdin  io.Reader
}

// NewReader creates a new Reader reading from os.Stdin.
func NewReader(logger utils.Logger) *Reader {
	return &Reader{logger: logger, stdin: os.Stdin}
}

// ReadEndpointsFromFile reads endpoints line by line from a specified file.
func (r *Reader) ReadEndpointsFromFile(filePath string) ([]config.Endpoint, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open endpoints file %s: %w", filePath, err)
	}
	defer file.Close()

	endpoints, err := r.read(file)
	if err != nil {
		return nil, fmt.Errorf("endpoints file %s: %w", filePath, err)
	}
	r.logger.Debugf("Loaded %d endpoints from %s", len(endpoints), filePath)
	return endpoints, nil
}

// ReadEndpointsFromStdin reads endpoints line by line from standard input.
func (r *Reader) ReadEndpointsFromStdin() ([]config.Endpoint, error) {
	endpoints, err := r.read(r.stdin)
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	r.logger.Debugf("Loaded %d endpoints from stdin", len(endpoints))
	return endpoints, nil
}

func (r *Reader) read(src io.Reader) ([]config.Endpoint, error) {
	var lines []string
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return config.ParseEndpoints(lines)
}
