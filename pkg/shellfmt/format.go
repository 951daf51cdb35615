// Package shellfmt renders shell one-liners for step logs.
//
// Script steps and sandbox tool invocations are recorded in iteration
// artifacts; long && / || / | chains are broken onto continuation lines
// so the recorded command is readable and still valid shell.
package shellfmt

import (
	"bytes"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Option configures the formatter.
type Option func(*config)

type config struct {
	indent   int
	maxWidth int
}

func defaultConfig() *config {
	return &config{
		indent:   2,
		maxWidth: 80,
	}
}

// WithIndent sets the indentation width in spaces (default: 2).
func WithIndent(n int) Option {
	return func(c *config) { c.indent = n }
}

// WithMaxWidth sets the maximum line width threshold (default: 80).
// Statements shorter than this threshold are kept on a single line.
func WithMaxWidth(n int) Option {
	return func(c *config) { c.maxWidth = n }
}

// Format parses a shell one-liner and reformats it with backslash
// continuations. Statements that fit within the configured max width and
// short two-element chains are kept on a single line.
//
// On parse error, the original input is returned unchanged.
func Format(input string, opts ...Option) string {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	parser := syntax.NewParser(syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(input), "")
	if err != nil {
		return input
	}

	f := &formatter{
		cfg:     cfg,
		printer: syntax.NewPrinter(syntax.Indent(uint(cfg.indent)), syntax.SpaceRedirects(true)),
	}

	var lines []string
	for _, stmt := range prog.Stmts {
		lines = append(lines, f.stmt(stmt))
	}
	return strings.Join(lines, "\n")
}

type formatter struct {
	cfg     *config
	printer *syntax.Printer
}

// nodeStr renders a syntax node to a compact string using the standard printer.
func (f *formatter) nodeStr(node syntax.Node) string {
	var buf bytes.Buffer
	f.printer.Print(&buf, node)
	return strings.TrimRight(buf.String(), "\n")
}

func (f *formatter) stmt(s *syntax.Stmt) string {
	flat := f.nodeStr(s)
	bin, ok := s.Cmd.(*syntax.BinaryCmd)
	if !ok {
		return flat
	}

	elems, ops := flatten(bin)
	// Short two-element chains stay inline when they fit.
	if !strings.Contains(flat, "\n") && (len(elems) <= 2 && len(flat) <= f.cfg.maxWidth) {
		return flat
	}

	indent := strings.Repeat(" ", f.cfg.indent)
	var sb strings.Builder
	if s.Negated {
		sb.WriteString("! ")
	}
	sb.WriteString(f.nodeStr(elems[0]))
	for i, op := range ops {
		sb.WriteString(" \\\n")
		sb.WriteString(indent)
		sb.WriteString(op)
		sb.WriteByte(' ')
		sb.WriteString(f.nodeStr(elems[i+1]))
	}
	return sb.String()
}

// flatten unrolls a left-nested chain of BinaryCmds into its elements and
// the operators joining them, in source order.
func flatten(bin *syntax.BinaryCmd) ([]*syntax.Stmt, []string) {
	var elems []*syntax.Stmt
	var ops []string

	var walk func(b *syntax.BinaryCmd)
	walk = func(b *syntax.BinaryCmd) {
		if left, ok := b.X.Cmd.(*syntax.BinaryCmd); ok && len(b.X.Redirs) == 0 && !b.X.Negated {
			walk(left)
		} else {
			elems = append(elems, b.X)
		}
		ops = append(ops, b.Op.String())
		elems = append(elems, b.Y)
	}
	walk(bin)
	return elems, ops
}
