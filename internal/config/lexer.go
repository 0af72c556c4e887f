// Package config implements the loader for the filter-graph DSL of spec
// §4.5: a line-oriented, brace-delimited text format ported from
// postlicyd's configuration grammar (the C parser itself, config.c, was
// not part of the retrieved original_source/ set; the grammar below is
// reconstructed from main-postlicyd.c's consumption of config_t and
// filter.c's token tables).
package config

import (
	"strings"

	"github.com/roadrunner-server/errors"
)

// stmt is one parsed "key = value;" or "key = value { stmt... };" line.
// Global assignments (port, socketfile, ...) and filter declarations
// (key == "name") share this shape; block is nil for a plain assignment.
type stmt struct {
	key   string
	value string
	block []stmt
	line  int
}

// parse tokenizes and structurally parses src, stripping '#' comments.
// It does not interpret any statement semantically; that is build.go's
// job.
func parse(src string) ([]stmt, error) {
	const op = errors.Op("config_parse")

	p := &parser{src: stripComments(src)}
	stmts, err := p.parseStatements(false)
	if err != nil {
		return nil, errors.E(op, err)
	}
	p.skipSpace()
	if !p.atEOF() {
		return nil, errors.E(op, errors.Str(p.errorf("unexpected trailing input")))
	}
	return stmts, nil
}

// stripComments blanks out everything from any '#' to the end of its line
// (there is no quoting), preserving every newline so line numbers stay
// meaningful.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	inComment := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			inComment = false
			b.WriteByte(c)
		case c == '#':
			inComment = true
		case inComment:
			// drop
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type parser struct {
	src string
	pos int
}

func (p *parser) atEOF() bool { return p.pos >= len(p.src) }

func (p *parser) lineAt(pos int) int {
	return 1 + strings.Count(p.src[:pos], "\n")
}

func (p *parser) errorf(msg string) string {
	return "line " + itoa(p.lineAt(p.pos)) + ": " + msg
}

func (p *parser) skipSpace() {
	for !p.atEOF() {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

// parseStatements reads statements until EOF (inBlock false) or until the
// closing '}' of an enclosing block (inBlock true), which it leaves
// unconsumed.
func (p *parser) parseStatements(inBlock bool) ([]stmt, error) {
	var out []stmt
	for {
		p.skipSpace()
		if p.atEOF() {
			if inBlock {
				return nil, errors.Str(p.errorf("unterminated block"))
			}
			return out, nil
		}
		if p.src[p.pos] == '}' {
			if !inBlock {
				return nil, errors.Str(p.errorf("unexpected '}'"))
			}
			return out, nil
		}
		s, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

func (p *parser) parseStatement() (stmt, error) {
	line := p.lineAt(p.pos)
	key, err := p.readUntil("=")
	if err != nil {
		return stmt{}, err
	}
	p.pos++ // consume '='

	value, err := p.readUntil("{;")
	if err != nil {
		return stmt{}, err
	}

	p.skipSpace()
	if p.atEOF() {
		return stmt{}, errors.Str(p.errorf("unterminated statement for " + key))
	}

	if p.src[p.pos] == '{' {
		p.pos++ // consume '{'
		block, err := p.parseStatements(true)
		if err != nil {
			return stmt{}, err
		}
		p.skipSpace()
		if p.atEOF() || p.src[p.pos] != '}' {
			return stmt{}, errors.Str(p.errorf("missing '}' closing block for " + key))
		}
		p.pos++ // consume '}'
		p.skipSpace()
		if p.atEOF() || p.src[p.pos] != ';' {
			return stmt{}, errors.Str(p.errorf("missing ';' after block for " + key))
		}
		p.pos++ // consume ';'
		return stmt{key: strings.TrimSpace(key), value: strings.TrimSpace(value), block: block, line: line}, nil
	}

	p.pos++ // consume ';'
	return stmt{key: strings.TrimSpace(key), value: strings.TrimSpace(value), line: line}, nil
}

// readUntil scans to the first byte in stopSet (there is no escaping),
// returning
// everything before it and leaving pos at the stop byte.
func (p *parser) readUntil(stopSet string) (string, error) {
	start := p.pos
	for !p.atEOF() {
		if strings.IndexByte(stopSet, p.src[p.pos]) >= 0 {
			return p.src[start:p.pos], nil
		}
		p.pos++
	}
	return "", errors.Str(p.errorf("unexpected end of file"))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
