package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bryanchriswhite/switchr/internal/worker"
)

const maxLineSize = 16 * 1024 * 1024

// Decode reads worker messages until the terminator. Any line that is not
// a message, or a stream that ends first, fails the whole cycle.
func Decode(r io.Reader) ([]worker.Message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var msgs []worker.Message
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg worker.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, &WorkerError{
				Reason: ReasonMalformed,
				Err:    fmt.Errorf("line %d: %w", lineNo, err),
			}
		}
		if msg.IsFinal {
			return msgs, nil
		}
		msgs = append(msgs, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, &WorkerError{
			Reason: ReasonMalformed,
			Err:    fmt.Errorf("line %d: %w", lineNo+1, err),
		}
	}
	return nil, &WorkerError{
		Reason: ReasonNoTerminator,
		Err:    fmt.Errorf("stream ended after %d lines", lineNo),
	}
}
