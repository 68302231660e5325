// Package pgarray decodes the text form Postgres emits for arrays of
// composite rows, e.g. the output of array_agg(ROW(...)):
//
//	{"(1,abc,2020-01-01,t)","(2,,,)"}
//
// Unquoted row fields are typed by shape: empty is nil, t/f are booleans,
// digits are int64, digits with a dot are decimal.Decimal, YYYY-MM-DD is a
// time.Time at UTC midnight, anything else is a string. Quoted fields are
// always strings.
package pgarray

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tuple is one decoded row.
type Tuple []any

// ParseError reports input that does not follow the expected grammar.
// Malformed input means the generated SQL and the parser disagree, so
// callers treat it as fatal.
type ParseError struct {
	Message  string
	Fragment string
	Position int
	Source   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pgarray: %s at position %d near %q in %q", e.Message, e.Position, e.Fragment, e.Source)
}

type state int

const (
	stateInitial state = iota
	stateArray
	stateRow
	stateUnquoted
	stateNumber
	stateDecimal
	stateDatetime
	stateQuoted
	stateDone
)

// Markers of the nested encoding. A quoted row field is wrapped in an
// escaped quote because the whole row is itself a quoted array element.
const (
	rowOpen      = `"(`
	rowClose     = `)"`
	quote        = `\"`
	doubledQuote = `\"\"`
	escapedSlash = `\\\\`
	nullElement  = "NULL"
	dateLayout   = "2006-01-02"
)

// parser is a character-by-character state machine over the source.
type parser struct {
	src       string
	pos       int
	state     state
	rows      []Tuple
	row       Tuple
	pending   bool // a row item is expected before the next separator
	elements  int  // array elements seen so far
	separated bool // a ',' between elements was consumed
	token     strings.Builder
}

// Parse decodes an array of composite rows. Rows whose fields are all
// NULL are dropped: a LEFT JOIN without matches aggregates to one such row.
func Parse(src string) ([]Tuple, error) {
	p := &parser{src: src}
	if err := p.run(); err != nil {
		return nil, err
	}
	if p.rows == nil {
		return []Tuple{}, nil
	}
	return p.rows, nil
}

// ParseRowArray decodes src and zips every tuple with names.
func ParseRowArray(src string, names []string) ([]map[string]any, error) {
	tuples, err := Parse(src)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(tuples))
	for _, t := range tuples {
		if len(t) != len(names) {
			return nil, &ParseError{
				Message:  fmt.Sprintf("row has %d fields, expected %d", len(t), len(names)),
				Fragment: fmt.Sprint(t),
				Position: len(src),
				Source:   src,
			}
		}
		m := make(map[string]any, len(names))
		for i, name := range names {
			m[name] = t[i]
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *parser) run() error {
	for p.state != stateDone {
		var err error
		switch p.state {
		case stateInitial:
			err = p.initial()
		case stateArray:
			err = p.array()
		case stateRow:
			err = p.insideRow()
		case stateUnquoted:
			err = p.unquoted()
		case stateNumber:
			err = p.number()
		case stateDecimal:
			err = p.decimal()
		case stateDatetime:
			err = p.datetime()
		case stateQuoted:
			err = p.quoted()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) fail(msg string) error {
	end := p.pos + 12
	if end > len(p.src) {
		end = len(p.src)
	}
	start := p.pos
	if start > len(p.src) {
		start = len(p.src)
	}
	return &ParseError{Message: msg, Fragment: p.src[start:end], Position: p.pos, Source: p.src}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) at(prefix string) bool { return strings.HasPrefix(p.src[p.pos:], prefix) }

func (p *parser) ch() byte { return p.src[p.pos] }

// atTerminator reports whether the current item ends here.
func (p *parser) atTerminator() bool { return p.at(",") || p.at(rowClose) }

func (p *parser) initial() error {
	if !p.at("{") {
		return p.fail("expected '{'")
	}
	p.pos++
	p.state = stateArray
	return nil
}

func (p *parser) array() error {
	switch {
	case p.eof():
		return p.fail("unterminated array")
	case p.at(rowOpen) && p.expectingElement():
		p.pos += len(rowOpen)
		p.row = Tuple{}
		p.pending = true
		p.state = stateRow
	case p.at(nullElement) && p.expectingElement():
		p.pos += len(nullElement)
		p.elements++
		p.separated = false
	case p.at(",") && p.elements > 0 && !p.separated:
		p.pos++
		p.separated = true
	case p.at("}") && !p.separated:
		p.pos++
		if !p.eof() {
			return p.fail("trailing characters after array")
		}
		p.state = stateDone
	default:
		return p.fail("expected row")
	}
	return nil
}

// expectingElement reports whether an element may start here: either the
// array is empty so far or a separator was just consumed.
func (p *parser) expectingElement() bool {
	return p.elements == 0 || p.separated
}

func (p *parser) insideRow() error {
	if p.eof() {
		return p.fail("unterminated row")
	}
	switch {
	case p.at(rowClose):
		p.pos += len(rowClose)
		if p.pending {
			p.row = append(p.row, nil)
		}
		p.finishRow()
		p.state = stateArray
	case p.at(","):
		p.pos++
		if p.pending {
			p.row = append(p.row, nil)
		}
		p.pending = true
	case !p.pending:
		return p.fail("expected ',' or end of row")
	case p.at(quote):
		p.pos += len(quote)
		p.token.Reset()
		p.state = stateQuoted
	case isDigit(p.ch()) || p.ch() == '-':
		p.token.Reset()
		p.token.WriteByte(p.ch())
		p.pos++
		p.state = stateNumber
	case p.ch() == '"' || p.ch() == '(' || p.ch() == ')':
		return p.fail("unexpected character in row")
	default:
		p.token.Reset()
		p.state = stateUnquoted
	}
	return nil
}

func (p *parser) finishRow() {
	for _, v := range p.row {
		if v != nil {
			p.rows = append(p.rows, p.row)
			break
		}
	}
	p.row = nil
	p.pending = false
	p.elements++
	p.separated = false
}

func (p *parser) emit(v any) {
	p.row = append(p.row, v)
	p.pending = false
	p.state = stateRow
}

func (p *parser) unquoted() error {
	for !p.eof() && !p.atTerminator() {
		c := p.ch()
		if c == '"' || c == '(' || c == ')' || c == '\\' {
			return p.fail("unexpected character in unquoted field")
		}
		p.token.WriteByte(c)
		p.pos++
	}
	if p.eof() {
		return p.fail("unterminated row")
	}
	switch s := p.token.String(); s {
	case "t":
		p.emit(true)
	case "f":
		p.emit(false)
	default:
		p.emit(s)
	}
	return nil
}

func (p *parser) number() error {
	for !p.eof() && !p.atTerminator() {
		c := p.ch()
		switch {
		case isDigit(c):
			p.token.WriteByte(c)
			p.pos++
		case c == '.':
			p.token.WriteByte(c)
			p.pos++
			p.state = stateDecimal
			return nil
		case c == '-' && p.token.Len() == 4 && !strings.HasPrefix(p.token.String(), "-"):
			p.token.WriteByte(c)
			p.pos++
			p.state = stateDatetime
			return nil
		default:
			p.state = stateUnquoted
			return nil
		}
	}
	if p.eof() {
		return p.fail("unterminated row")
	}
	n, err := strconv.ParseInt(p.token.String(), 10, 64)
	if err != nil {
		// A lone "-" or an integer overflowing int64 stays textual.
		p.emit(p.token.String())
		return nil
	}
	p.emit(n)
	return nil
}

func (p *parser) decimal() error {
	for !p.eof() && !p.atTerminator() {
		c := p.ch()
		if !isDigit(c) {
			p.state = stateUnquoted
			return nil
		}
		p.token.WriteByte(c)
		p.pos++
	}
	if p.eof() {
		return p.fail("unterminated row")
	}
	d, err := decimal.NewFromString(p.token.String())
	if err != nil {
		p.emit(p.token.String())
		return nil
	}
	p.emit(d)
	return nil
}

func (p *parser) datetime() error {
	for !p.eof() && !p.atTerminator() {
		c := p.ch()
		if !isDigit(c) && c != '-' {
			p.state = stateUnquoted
			return nil
		}
		p.token.WriteByte(c)
		p.pos++
	}
	if p.eof() {
		return p.fail("unterminated row")
	}
	s := p.token.String()
	if d, err := time.Parse(dateLayout, s); err == nil {
		p.emit(d)
		return nil
	}
	p.emit(s)
	return nil
}

func (p *parser) quoted() error {
	for {
		switch {
		case p.eof():
			return p.fail("unterminated quoted field")
		case p.at(doubledQuote):
			p.token.WriteByte('"')
			p.pos += len(doubledQuote)
		case p.at(quote):
			p.pos += len(quote)
			p.emit(p.token.String())
			return nil
		case p.at(escapedSlash):
			p.token.WriteByte('\\')
			p.pos += len(escapedSlash)
		default:
			p.token.WriteByte(p.ch())
			p.pos++
		}
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
