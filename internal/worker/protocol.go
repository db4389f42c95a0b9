// Package worker implements the one-shot scan process: it reads one request
// line on stdin, scans the isolated providers concurrently and writes one
// JSON line per provider followed by a terminator.
package worker

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/bryanchriswhite/switchr/internal/window"
)

// CommandScan is the only command the worker understands
const CommandScan = "scan"

// Request is the single line the host writes to the worker's stdin
type Request struct {
	Command           string   `json:"command"`
	DisabledPlugins   []string `json:"disabledPlugins"`
	ExcludedProcesses []string `json:"excludedProcesses"`
}

// WindowDTO is an item on the wire
type WindowDTO struct {
	Hwnd           int64   `json:"hwnd"`
	Title          string  `json:"title"`
	ProcessName    string  `json:"processName"`
	ExecutablePath *string `json:"executablePath"`
	PluginName     string  `json:"pluginName"`
	Fallback       bool    `json:"fallback,omitempty"`
}

// Message is one stdout line. A nil Windows list encodes as null and is
// read back as an empty scan.
type Message struct {
	PluginName string      `json:"pluginName"`
	Windows    []WindowDTO `json:"windows"`
	Error      *string     `json:"error"`
	IsFinal    bool        `json:"isFinal"`
}

// Terminator is the last line of every worker run
func Terminator() Message {
	return Message{IsFinal: true}
}

// ErrorMessage reports err for provider (empty for request-level errors)
func ErrorMessage(provider string, err error) Message {
	text := err.Error()
	return Message{PluginName: provider, Error: &text}
}

// ItemsMessage reports a successful scan. An empty scan encodes as [].
func ItemsMessage(provider string, items []window.Item) Message {
	dtos := make([]WindowDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, ToDTO(item))
	}
	return Message{PluginName: provider, Windows: dtos}
}

// ToDTO converts an item to its wire form
func ToDTO(item window.Item) WindowDTO {
	dto := WindowDTO{
		Hwnd:        int64(item.Handle),
		Title:       item.Title,
		ProcessName: item.ProcessName,
		PluginName:  item.Source,
		Fallback:    item.Fallback,
	}
	if item.ExecutablePath != "" {
		path := item.ExecutablePath
		dto.ExecutablePath = &path
	}
	return dto
}

// Item converts a wire window back to an item
func (d WindowDTO) Item() window.Item {
	item := window.Item{
		Handle:      window.Handle(d.Hwnd),
		Title:       d.Title,
		ProcessName: d.ProcessName,
		Source:      d.PluginName,
		Fallback:    d.Fallback,
	}
	if d.ExecutablePath != nil {
		item.ExecutablePath = *d.ExecutablePath
	}
	return item
}

// Items converts the message's windows, stamping provider as the source
// where the wire omitted it
func (m Message) Items() []window.Item {
	if len(m.Windows) == 0 {
		return nil
	}
	items := make([]window.Item, 0, len(m.Windows))
	for _, dto := range m.Windows {
		items = append(items, dto.Item())
	}
	return window.Stamp(items, m.PluginName)
}

// lineWriter serializes whole JSON lines from concurrent tasks
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
	err error
}

func newLineWriter(out io.Writer) *lineWriter {
	return &lineWriter{out: out}
}

// Write encodes msg as one line. After the first failure every later write
// is dropped and the failure is kept.
func (w *lineWriter) Write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if _, err := w.out.Write(data); err != nil {
		w.err = err
	}
	return w.err
}

// Err returns the first write failure
func (w *lineWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
