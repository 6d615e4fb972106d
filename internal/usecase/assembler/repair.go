package assembler

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ParseState reports how a partial JSON text was interpreted.
type ParseState string

const (
	ParseSuccessful ParseState = "successful-parse"
	ParseRepaired   ParseState = "repaired-parse"
	ParseFailed     ParseState = "failed-parse"
)

// RepairResult is the outcome of Repair. Value is nil when State is
// ParseFailed.
type RepairResult struct {
	State ParseState
	Value json.RawMessage
}

// Repair interprets text as JSON, closing it if it was cut short. It parses
// strictly first; otherwise it keeps the longest prefix that can be closed
// and appends the missing closers. Text that is invalid rather than merely
// truncated yields ParseFailed. Repair never panics.
func Repair(text string) (res RepairResult) {
	defer func() {
		if recover() != nil {
			res = RepairResult{State: ParseFailed}
		}
	}()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return RepairResult{State: ParseFailed}
	}
	if json.Valid([]byte(trimmed)) {
		return RepairResult{State: ParseSuccessful, Value: compact(trimmed)}
	}

	candidate, ok := closePrefix(trimmed)
	if !ok || !json.Valid([]byte(candidate)) {
		return RepairResult{State: ParseFailed}
	}
	return RepairResult{State: ParseRepaired, Value: compact(candidate)}
}

func compact(s string) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return json.RawMessage(s)
	}
	return buf.Bytes()
}

type frameState int

const (
	objKeyOrEnd frameState = iota
	objKey
	objColon
	objValue
	objCommaOrEnd
	arrValueOrEnd
	arrValue
	arrCommaOrEnd
)

type frame struct {
	array bool
	state frameState
}

// prefixScanner walks a JSON text and remembers the last position at which
// the text can be cut and closed into a valid document.
type prefixScanner struct {
	s       string
	stack   []frame
	topDone bool
	cut     int
	suffix  string
}

// closePrefix returns the repaired document, or false when s is invalid or
// has no closable prefix.
func closePrefix(s string) (string, bool) {
	p := &prefixScanner{s: s, cut: -1}
	if !p.scan() {
		return "", false
	}
	if p.cut < 0 {
		return "", false
	}
	return s[:p.cut] + p.suffix, true
}

func (p *prefixScanner) closers() string {
	var b strings.Builder
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].array {
			b.WriteByte(']')
		} else {
			b.WriteByte('}')
		}
	}
	return b.String()
}

func (p *prefixScanner) mark(pos int, extra string) {
	p.cut = pos
	p.suffix = extra + p.closers()
}

// beginValue records that a value starts in the current container.
func (p *prefixScanner) beginValue() bool {
	if len(p.stack) == 0 {
		return !p.topDone
	}
	top := &p.stack[len(p.stack)-1]
	switch top.state {
	case objValue:
		top.state = objCommaOrEnd
	case arrValueOrEnd, arrValue:
		top.state = arrCommaOrEnd
	default:
		return false
	}
	return true
}

func (p *prefixScanner) endValue(pos int) {
	if len(p.stack) == 0 {
		p.topDone = true
	}
	p.mark(pos, "")
}

// scan returns false if the text is invalid JSON rather than truncated.
func (p *prefixScanner) scan() bool {
	s := p.s
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '"':
			if len(p.stack) > 0 && !p.stack[len(p.stack)-1].array {
				top := &p.stack[len(p.stack)-1]
				if top.state == objKeyOrEnd || top.state == objKey {
					end, ok := p.scanString(i, false)
					if !ok {
						return false
					}
					if end < 0 {
						return true
					}
					top.state = objColon
					i = end
					continue
				}
			}
			if !p.beginValue() {
				return false
			}
			end, ok := p.scanString(i, true)
			if !ok {
				return false
			}
			if end < 0 {
				return true
			}
			p.endValue(end)
			i = end

		case c == '{' || c == '[':
			if !p.beginValue() {
				return false
			}
			if c == '{' {
				p.stack = append(p.stack, frame{state: objKeyOrEnd})
			} else {
				p.stack = append(p.stack, frame{array: true, state: arrValueOrEnd})
			}
			i++
			p.mark(i, "")

		case c == '}' || c == ']':
			if len(p.stack) == 0 {
				return false
			}
			top := p.stack[len(p.stack)-1]
			if c == '}' && (top.array || (top.state != objKeyOrEnd && top.state != objCommaOrEnd)) {
				return false
			}
			if c == ']' && (!top.array || (top.state != arrValueOrEnd && top.state != arrCommaOrEnd)) {
				return false
			}
			p.stack = p.stack[:len(p.stack)-1]
			i++
			p.endValue(i)

		case c == ':':
			if len(p.stack) == 0 || p.stack[len(p.stack)-1].state != objColon {
				return false
			}
			p.stack[len(p.stack)-1].state = objValue
			i++

		case c == ',':
			if len(p.stack) == 0 {
				return false
			}
			top := &p.stack[len(p.stack)-1]
			switch top.state {
			case objCommaOrEnd:
				top.state = objKey
			case arrCommaOrEnd:
				top.state = arrValue
			default:
				return false
			}
			i++

		case c == 't' || c == 'f' || c == 'n':
			if !p.beginValue() {
				return false
			}
			end, ok := p.scanLiteral(i)
			if !ok {
				return false
			}
			if end < 0 {
				return true
			}
			p.endValue(end)
			i = end

		case c == '-' || (c >= '0' && c <= '9'):
			if !p.beginValue() {
				return false
			}
			end, ok := p.scanNumber(i)
			if !ok {
				return false
			}
			if end < 0 {
				return true
			}
			p.endValue(end)
			i = end

		default:
			return false
		}
	}
	return true
}

// scanString scans the string starting at the quote at start. It returns
// the position after the closing quote, or -1 if the text ends first. Value
// strings record a cut point at every complete character.
func (p *prefixScanner) scanString(start int, value bool) (int, bool) {
	s := p.s
	i := start + 1
	if value {
		p.mark(i, `"`)
	}
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			return i + 1, true
		case c == '\\':
			if i+1 >= len(s) {
				return -1, true
			}
			n := 2
			if s[i+1] == 'u' {
				n = 6
			} else if !strings.ContainsRune(`"\/bfnrt`, rune(s[i+1])) {
				return 0, false
			}
			if i+n > len(s) {
				return -1, true
			}
			if n == 6 && !isHex4(s[i+2:i+6]) {
				return 0, false
			}
			i += n
		case c < 0x20:
			return 0, false
		default:
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
		}
		if value {
			p.mark(i, `"`)
		}
	}
	return -1, true
}

func isHex4(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

var literals = map[byte]string{'t': "true", 'f': "false", 'n': "null"}

// scanLiteral completes true/false/null. A literal cut short is closed with
// its missing letters.
func (p *prefixScanner) scanLiteral(start int) (int, bool) {
	lit := literals[p.s[start]]
	k := 0
	for k < len(lit) && start+k < len(p.s) {
		if p.s[start+k] != lit[k] {
			return 0, false
		}
		k++
	}
	if k == len(lit) {
		return start + k, true
	}
	p.mark(len(p.s), lit[k:])
	return -1, true
}

// scanNumber consumes a number token. A number cut short at the end of the
// text is trimmed back to its longest valid prefix.
func (p *prefixScanner) scanNumber(start int) (int, bool) {
	s := p.s
	j := start
	for j < len(s) && strings.IndexByte("+-.eE0123456789", s[j]) >= 0 {
		j++
	}
	tok := s[start:j]
	if j < len(s) {
		if !json.Valid([]byte(tok)) {
			return 0, false
		}
		return j, true
	}
	for k := len(tok); k > 0; k-- {
		if json.Valid([]byte(tok[:k])) {
			p.mark(start+k, "")
			break
		}
	}
	return -1, true
}
