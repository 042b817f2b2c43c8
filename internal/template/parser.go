// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package template

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/canonical/sqltemplate/typetag"
)

// ErrMalformedTemplate is wrapped by every structural parse failure. Parsing
// never partially succeeds: on error no Template is returned.
var ErrMalformedTemplate = errors.New("malformed template")

// Default control characters. All three can be changed with options as long
// as they stay mutually distinct and distinct from the quote characters.
const (
	defaultEscapeChar = '\\'
	defaultParamChar  = '$'
	defaultTypeChar   = '^'
)

// Option configures the control characters used by Parse.
type Option func(*config)

type config struct {
	escapeChar rune
	paramChar  rune
	typeChar   rune
}

// WithEscapeChar sets the character that suppresses interpretation of the
// character that follows it.
func WithEscapeChar(c rune) Option {
	return func(cfg *config) { cfg.escapeChar = c }
}

// WithParamChar sets the character that starts a named parameter token.
func WithParamChar(c rune) Option {
	return func(cfg *config) { cfg.paramChar = c }
}

// WithTypeChar sets the character that starts a type hint token.
func WithTypeChar(c rune) Option {
	return func(cfg *config) { cfg.typeChar = c }
}

func (cfg *config) validate() error {
	chars := []rune{cfg.escapeChar, cfg.paramChar, cfg.typeChar}
	for i, c := range chars {
		if c == '\'' || c == '"' {
			return fmt.Errorf("control character %q collides with a quote character", c)
		}
		if isNameChar(c) || unicode.IsSpace(c) {
			return fmt.Errorf("control character %q is not usable as a marker", c)
		}
		for _, d := range chars[i+1:] {
			if c == d {
				return fmt.Errorf("control characters must be distinct, got %q twice", c)
			}
		}
	}
	return nil
}

// scanState is the state of the template scanner. The parser is a single
// left-to-right pass over the input, one transition per character.
type scanState int

const (
	stateSQL scanState = iota
	stateLineComment
	stateSingleQuote
	stateDoubleQuote
	stateEscape
	stateTypeHint
	stateParamName
)

// parser scans a SQL template. The transient scanner state is discarded once
// Parse returns.
type parser struct {
	cfg   config
	input string
	pos   int
	// nextPos is the start of the next char.
	nextPos int
	// char is the rune starting at pos. char is set to 0 when pos reaches the
	// end of input.
	char rune
	// lineNum is the number of the current line of the input.
	lineNum int
	// lineStart is the position of the first char of the current line.
	lineStart int

	state scanState
	// frag accumulates the canonical SQL fragment since the last parameter
	// slot.
	frag strings.Builder
	// fragments holds the canonical SQL split around the parameter slots.
	// There is always one more fragment than there are slots.
	fragments []string
	slots     []ParamSlot
	colTypes  []typetag.Tag
	// name and hint accumulate the in-progress parameter name and type token.
	name strings.Builder
	hint strings.Builder
	// pending holds a completed type token waiting to be attached to a named
	// parameter or flushed as a result column type.
	pending    typetag.Tag
	hasPending bool
	// lastDash is true when the previous char processed in stateSQL was an
	// unescaped '-'.
	lastDash bool
}

// Parse compiles a SQL template into a Template. It fails with an error
// wrapping ErrMalformedTemplate if the input ends inside a quoted literal,
// with a dangling escape character or with an unterminated type hint, and
// with an error wrapping typetag.ErrUnsupportedType if a type hint names an
// unknown type.
func Parse(input string, options ...Option) (t *Template, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot parse template: %w (in %q)", err, input)
		}
	}()

	cfg := config{
		escapeChar: defaultEscapeChar,
		paramChar:  defaultParamChar,
		typeChar:   defaultTypeChar,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &parser{cfg: cfg, input: input, lineNum: 1}
	p.advanceChar()
	for p.pos < len(p.input) {
		if err := p.step(p.char); err != nil {
			return nil, err
		}
		p.advanceChar()
	}
	return p.finalize()
}

// advanceChar moves the parser to the next character in the input. It also
// takes care of updating the line and column numbers if it encounters line
// breaks.
func (p *parser) advanceChar() bool {
	if p.nextPos >= len(p.input) {
		p.char = 0
		p.pos = p.nextPos
		return false
	}
	if p.char == '\n' {
		p.lineStart = p.nextPos
		p.lineNum++
	}
	var size int
	p.char, size = utf8.DecodeRuneInString(p.input[p.nextPos:])
	p.pos = p.nextPos
	p.nextPos += size
	return true
}

// colNum calculates the current column number taking into account line breaks.
func (p *parser) colNum() int {
	return p.pos - p.lineStart + 1
}

// errorf builds a MalformedTemplate error with line and column context.
func (p *parser) errorf(format string, args ...any) error {
	return p.wrapPos(fmt.Errorf("%w: %s", ErrMalformedTemplate, fmt.Sprintf(format, args...)))
}

// wrapPos wraps an error with line and column information.
func (p *parser) wrapPos(err error) error {
	if strings.ContainsRune(p.input, '\n') {
		return fmt.Errorf("line %d, column %d: %w", p.lineNum, p.colNum(), err)
	}
	return fmt.Errorf("column %d: %w", p.colNum(), err)
}

// step performs one state machine transition for char c.
func (p *parser) step(c rune) error {
	switch p.state {
	case stateLineComment:
		p.frag.WriteRune(c)
		if c == '\n' {
			p.state = stateSQL
		}
		return nil
	case stateSingleQuote:
		p.frag.WriteRune(c)
		if c == '\'' {
			p.state = stateSQL
		}
		return nil
	case stateDoubleQuote:
		p.frag.WriteRune(c)
		if c == '"' {
			p.state = stateSQL
		}
		return nil
	case stateEscape:
		// The escaped character is copied verbatim whatever it is.
		p.frag.WriteRune(c)
		p.state = stateSQL
		return nil
	case stateTypeHint:
		return p.stepTypeHint(c)
	case stateParamName:
		return p.stepParamName(c)
	}
	return p.stepSQL(c)
}

// stepTypeHint accumulates a type hint token. The token ends at the first
// character that is not an identifier character; the completed token is held
// pending until the next meaningful character decides its disposition.
func (p *parser) stepTypeHint(c rune) error {
	if p.hint.Len() == 0 {
		if !isNameStartChar(c) {
			return p.errorf("invalid first character %q in type hint", c)
		}
		p.hint.WriteRune(c)
		return nil
	}
	if isNameChar(c) {
		p.hint.WriteRune(c)
		return nil
	}
	if err := p.holdType(); err != nil {
		return err
	}
	p.state = stateSQL
	if unicode.IsSpace(c) {
		// The terminating whitespace is swallowed; the pending type is
		// resolved at the next meaningful character.
		return nil
	}
	return p.stepSQL(c)
}

// holdType encodes the accumulated type token and holds it pending.
func (p *parser) holdType() error {
	tag, err := typetag.Encode(p.hint.String())
	if err != nil {
		return p.wrapPos(err)
	}
	p.hint.Reset()
	p.pending = tag
	p.hasPending = true
	return nil
}

// stepParamName accumulates a named parameter token. The token ends at the
// first character that is not an identifier character; a reserved special
// character in that position is a fatal error.
func (p *parser) stepParamName(c rune) error {
	if p.name.Len() == 0 {
		if !isNameStartChar(c) {
			return p.errorf("invalid first character %q in parameter name", c)
		}
		p.name.WriteRune(c)
		return nil
	}
	if isNameChar(c) {
		p.name.WriteRune(c)
		return nil
	}
	if p.isSpecial(c) {
		return p.errorf("named parameter %q cannot precede special character %q", p.name.String(), c)
	}
	p.endParam()
	return p.stepSQL(c)
}

// isSpecial reports whether c is one of the reserved control or quote
// characters.
func (p *parser) isSpecial(c rune) bool {
	return c == p.cfg.escapeChar || c == p.cfg.paramChar || c == p.cfg.typeChar || c == '\'' || c == '"'
}

// endParam records the completed parameter slot. The whole $name token is
// replaced by a single placeholder in the canonical SQL, and any pending type
// becomes the slot's bind type.
func (p *parser) endParam() {
	p.fragments = append(p.fragments, p.frag.String())
	p.frag.Reset()
	tag := typetag.None
	if p.hasPending {
		tag = p.pending
		p.hasPending = false
	}
	p.slots = append(p.slots, ParamSlot{Name: p.name.String(), Type: tag})
	p.name.Reset()
	p.state = stateSQL
}

// stepSQL processes a character outside any literal, comment or token state.
// A pending type token is resolved here: it attaches to an immediately
// following named parameter, otherwise it is flushed as a declared result
// column type.
func (p *parser) stepSQL(c rune) error {
	if p.hasPending {
		switch {
		case unicode.IsSpace(c):
			// Swallowed until the pending type is resolved.
			return nil
		case c == p.cfg.paramChar:
			// The pending type becomes the bind type of this parameter; it is
			// consumed by endParam.
			p.state = stateParamName
			return nil
		case c == p.cfg.typeChar:
			p.flushPending()
			p.state = stateTypeHint
			return nil
		default:
			p.flushPending()
		}
	}

	wasDash := p.lastDash
	p.lastDash = false
	switch c {
	case p.cfg.escapeChar:
		if p.nextPos >= len(p.input) {
			return p.errorf("escape character %q at end of input", c)
		}
		p.state = stateEscape
	case p.cfg.paramChar:
		p.state = stateParamName
	case p.cfg.typeChar:
		p.state = stateTypeHint
	case '\'':
		p.frag.WriteRune(c)
		p.state = stateSingleQuote
	case '"':
		p.frag.WriteRune(c)
		p.state = stateDoubleQuote
	case '-':
		p.frag.WriteRune(c)
		if wasDash {
			p.state = stateLineComment
		} else {
			p.lastDash = true
		}
	default:
		p.frag.WriteRune(c)
	}
	return nil
}

// flushPending records the pending type as a declared result column type.
func (p *parser) flushPending() {
	p.colTypes = append(p.colTypes, p.pending)
	p.hasPending = false
}

// finalize checks the state the scanner was left in at end of input and
// builds the Template.
func (p *parser) finalize() (*Template, error) {
	switch p.state {
	case stateSingleQuote:
		return nil, p.errorf("missing closing quote in single-quoted literal")
	case stateDoubleQuote:
		return nil, p.errorf("missing closing quote in double-quoted literal")
	case stateEscape:
		return nil, p.errorf("dangling escape character at end of input")
	case stateTypeHint:
		// A type token only ends at whitespace or a non-identifier
		// character, so end of input leaves it unterminated.
		return nil, p.errorf("unterminated type hint at end of input")
	case stateParamName:
		if p.name.Len() == 0 {
			return nil, p.errorf("missing parameter name at end of input")
		}
		// A name token at end of input is finalized as if a regular
		// terminating character had been reached.
		p.endParam()
	}
	if p.hasPending {
		p.flushPending()
	}
	p.fragments = append(p.fragments, p.frag.String())
	return newTemplate(p.input, p.fragments, p.slots, p.colTypes), nil
}

// isNameStartChar reports whether c can start an identifier in a parameter
// name or type hint.
func isNameStartChar(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

// isNameChar reports whether c can continue an identifier. Hyphens are
// permitted mid-token.
func isNameChar(c rune) bool {
	return c == '_' || c == '-' || unicode.IsLetter(c) || unicode.IsDigit(c)
}
