// gocodeintel/lsp_collector.go
// A ResultController that buffers one dispatch for synchronous callers.
package gocodeintel

import (
	"sync"
)

// ResultCollector records everything a dispatch delivers. It is used by the
// LSP handlers and the CLI, which both answer after the dispatch returns.
type ResultCollector struct {
	mu          sync.Mutex
	trigger     Trigger
	started     bool
	completions []CompletionEntry
	calltips    []string
	definitions []DefinitionRecord
	errors      []string
	status      Status
	done        bool
}

var _ ResultController = (*ResultCollector)(nil)

func NewResultCollector() *ResultCollector { return &ResultCollector{} }

func (c *ResultCollector) Start(_ *Buffer, trg Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trigger = trg
	c.started = true
}

func (c *ResultCollector) SetCompletions(entries []CompletionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = append(c.completions, entries...)
}

func (c *ResultCollector) SetCalltips(calltips []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calltips = append(c.calltips, calltips...)
}

func (c *ResultCollector) SetDefinitions(defs []DefinitionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions = append(c.definitions, defs...)
}

func (c *ResultCollector) Error(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, msg)
}

func (c *ResultCollector) Done(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.done = true
}

// CollectedResult is a snapshot of a ResultCollector.
type CollectedResult struct {
	Trigger     Trigger
	Started     bool
	Completions []CompletionEntry
	Calltips    []string
	Definitions []DefinitionRecord
	Errors      []string
	Status      Status
	Done        bool
}

// Result returns a copy of what has been collected so far.
func (c *ResultCollector) Result() CollectedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollectedResult{
		Trigger:     c.trigger,
		Started:     c.started,
		Completions: append([]CompletionEntry(nil), c.completions...),
		Calltips:    append([]string(nil), c.calltips...),
		Definitions: append([]DefinitionRecord(nil), c.definitions...),
		Errors:      append([]string(nil), c.errors...),
		Status:      c.status,
		Done:        c.done,
	}
}
