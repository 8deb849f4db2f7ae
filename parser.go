// Package sixeltok provides a streaming, byte-at-a-time tokenizer for the DEC
// Sixel graphics protocol.
//
// Bytes are pushed one at a time, typically as they arrive from a PTY, and
// decoded into a stream of protocol events delivered through a caller-supplied
// sink:
//
//	parser := sixeltok.NewParser()
//	for _, b := range chunk {
//		parser.Advance(b, func(ev sixeltok.Event) {
//			// handle ev
//		})
//	}
//
// The tokenizer never fails: malformed or unrecognized input degrades into
// bounded UnknownSequence events carrying the offending bytes, and parsing
// resynchronizes on the next recognizable instruction. Rendering sixel data
// to pixels is out of scope; this package only decodes the wire protocol.
package sixeltok

import "errors"

// Parser states
type parserState int

const (
	stateGround parserState = iota
	stateEscape              // After ESC
	stateDCS                 // After ESC P, reading DCS parameters
	stateColor               // After #, reading color introducer parameters
	stateRaster              // After ", reading raster attribute parameters
	stateRepeat              // After !, reading the repeat count
	stateUnknown             // Inside an unrecognized sequence
)

// Buffer capacities. These are protocol constants, not tunables: a parameter
// list carries at most five fields of at most five decimal digits, and no
// recognized instruction outgrows the raw buffer.
const (
	maxRaw         = 256
	maxFields      = 5
	maxFieldDigits = 5
)

// Internal parse error kinds. None of these ever escape Advance; every one
// routes into the UnknownSequence recovery flush.
var (
	errCapacity        = errors.New("buffer capacity exceeded")
	errMalformedNumber = errors.New("malformed numeric parameter")
	errMissingField    = errors.New("missing mandatory parameter")
	errBadCombination  = errors.New("invalid parameter combination")
	errUnexpectedByte  = errors.New("unexpected byte in state")
)

// paramField holds one numeric parameter field as raw decimal digits.
type paramField struct {
	buf [maxFieldDigits]byte
	n   int
}

// Parser is a streaming tokenizer for the Sixel protocol. It consumes one
// byte per Advance call and emits completed events through the sink, keeping
// only fixed-size accumulators between calls.
//
// A Parser is not safe for concurrent use, and the sink must not call back
// into the Parser.
type Parser struct {
	state parserState

	// Raw bytes of the in-flight instruction, drained into UnknownSequence
	// events when it turns out not to parse.
	raw    [maxRaw]byte
	rawLen int

	// Completed parameter fields of the in-flight instruction.
	fields  [maxFields]paramField
	nfields int

	// Digits of the field currently being read.
	digits paramField
}

// NewParser creates a parser in the ground state with empty buffers.
func NewParser() *Parser {
	return &Parser{state: stateGround}
}

// Advance consumes one byte and invokes sink zero or more times with the
// events the byte completes, synchronously, before returning. Advance never
// fails: parse errors surface through the sink as UnknownSequence events.
// Whitespace (space, newline, tab) is invisible to the protocol and returns
// immediately.
func (p *Parser) Advance(b byte, sink Sink) {
	if b == ' ' || b == '\n' || b == '\t' {
		return
	}
	inRaw, err := p.processByte(b, sink)
	if err != nil {
		p.recover(sink, b, !inRaw)
	}
}

// Parse feeds every byte of data through Advance.
func (p *Parser) Parse(data []byte, sink Sink) {
	for _, b := range data {
		p.Advance(b, sink)
	}
}

// ParseString feeds a string through Advance.
func (p *Parser) ParseString(s string, sink Sink) {
	p.Parse([]byte(s), sink)
}

// processByte classifies b against the current state; the first matching rule
// fires. Classification mutates buffers and emits events; the state change is
// computed separately afterwards. The returned flag reports whether b was
// pushed into the raw buffer, so that the recovery flush never records the
// same byte twice.
func (p *Parser) processByte(b byte, sink Sink) (inRaw bool, err error) {
	switch {
	case p.state == stateEscape && b == 'P':
		if err := p.pushRaw(b); err != nil {
			return false, err
		}
		inRaw = true

	case p.state == stateEscape && b == '\\':
		if err := p.emitEnd(sink); err != nil {
			return false, err
		}

	case p.state == stateDCS && b == 'q':
		if err := p.emitDcs(sink); err != nil {
			return false, err
		}

	case p.state == stateRepeat && isDataByte(b):
		if err := p.emitRepeat(b, sink); err != nil {
			return false, err
		}

	case isDataByte(b) || b == '$' || b == '-':
		p.emitPossiblePending(sink)
		if err := p.emitSingleByte(b, sink); err != nil {
			return false, err
		}

	case b == ';':
		if err := p.pushRaw(b); err != nil {
			return false, err
		}
		inRaw = true
		if err := p.finalizeField(); err != nil {
			return true, err
		}

	case b >= '0' && b <= '9':
		if err := p.pushRaw(b); err != nil {
			return false, err
		}
		inRaw = true
		if err := p.pushDigit(b); err != nil {
			return true, err
		}

	default:
		// Anything else, ESC included: close a pending color or raster
		// instruction and start accumulating the new one.
		p.emitPossiblePending(sink)
		if err := p.pushRaw(b); err != nil {
			return false, err
		}
		inRaw = true
	}

	p.state = nextState(p.state, b)
	return inRaw, nil
}

// nextState is the transition table. It is evaluated after classification and
// may reassert a state a rule already produced; first match wins.
func nextState(s parserState, b byte) parserState {
	switch {
	case s == stateEscape && b == 'P':
		return stateDCS
	case s == stateEscape && b == '\\':
		return stateGround
	case s == stateDCS && b == 'q':
		return stateGround
	case s == stateRepeat && isDataByte(b):
		return stateGround
	case isDataByte(b) || b == '$' || b == '-':
		return stateGround
	case b == '#':
		return stateColor
	case b == '"':
		return stateRaster
	case b == '!':
		return stateRepeat
	case b == ';' || (b >= '0' && b <= '9'):
		return s
	case b == 0x1B:
		return stateEscape
	default:
		return stateUnknown
	}
}

// isDataByte reports whether b is a sixel data byte ('?'..'~').
func isDataByte(b byte) bool {
	return b >= '?' && b <= '~'
}

// emitEnd handles ESC \ by emitting End and fully resetting the parser.
func (p *Parser) emitEnd(sink Sink) error {
	if err := p.finalizeField(); err != nil {
		return err
	}
	p.reset()
	sink(End{})
	return nil
}

// emitDcs closes the ESC P ... q introducer and emits the Dcs event built
// from the accumulated parameter fields.
func (p *Parser) emitDcs(sink Sink) error {
	if err := p.finalizeField(); err != nil {
		return err
	}
	ev, err := dcsFromFields(p.takeFields())
	if err != nil {
		return err
	}
	p.rawLen = 0
	sink(ev)
	return nil
}

// emitRepeat closes a graphics repeat introducer; b both terminates the
// instruction and supplies the byte to repeat.
func (p *Parser) emitRepeat(b byte, sink Sink) error {
	if err := p.finalizeField(); err != nil {
		return err
	}
	ev, err := repeatFromFields(p.takeFields(), b)
	if err != nil {
		return err
	}
	p.rawLen = 0
	sink(ev)
	return nil
}

// emitSingleByte emits the event for a byte that is an instruction on its
// own: sixel data, carriage return ($), or next line (-).
func (p *Parser) emitSingleByte(b byte, sink Sink) error {
	switch {
	case isDataByte(b):
		if err := p.finalizeField(); err != nil {
			return err
		}
		p.rawLen = 0
		sink(Data{Byte: b})
	case b == '$':
		p.rawLen = 0
		sink(GotoBeginningOfLine{})
	case b == '-':
		p.rawLen = 0
		sink(GotoNextLine{})
	}
	return nil
}

// emitPossiblePending closes a color introducer or raster attribute left open
// by the absence of an explicit terminator. In any other state a populated
// accumulator means the instruction cannot parse, which is handled here as
// well so the caller can continue with the current byte.
func (p *Parser) emitPossiblePending(sink Sink) {
	ev, err := p.possiblePendingEvent()
	if err != nil {
		p.recover(sink, 0, false)
		return
	}
	if ev != nil {
		sink(ev)
	}
}

func (p *Parser) possiblePendingEvent() (Event, error) {
	if p.digits.n == 0 && p.nfields == 0 && p.rawLen == 0 {
		return nil, nil
	}
	switch p.state {
	case stateColor:
		if err := p.finalizeField(); err != nil {
			return nil, err
		}
		ev, err := colorIntroducerFromFields(p.takeFields())
		if err != nil {
			return nil, err
		}
		p.rawLen = 0
		return ev, nil
	case stateRaster:
		if err := p.finalizeField(); err != nil {
			return nil, err
		}
		ev, err := rasterAttributeFromFields(p.takeFields())
		if err != nil {
			return nil, err
		}
		p.rawLen = 0
		return ev, nil
	default:
		return nil, errUnexpectedByte
	}
}

// recover resynchronizes after a parse error: the parameter accumulators are
// discarded and the raw instruction buffer is flushed as UnknownSequence
// events. trailing indicates that b was not consumed into the raw buffer and
// should occupy the slot after the final drained byte.
func (p *Parser) recover(sink Sink, b byte, trailing bool) {
	p.state = stateUnknown
	p.nfields = 0
	p.digits.n = 0
	p.flushUnknown(sink, b, trailing)
}

// flushUnknown drains the raw buffer five bytes per event. A full chunk of
// five leaves the trailing byte for the final short chunk; if the buffer
// drains on an exact multiple of five there is no short chunk and the
// trailing byte is dropped with the rest of the failed instruction.
func (p *Parser) flushUnknown(sink Sink, b byte, trailing bool) {
	for {
		var ev UnknownSequence
		if p.rawLen >= len(ev.Bytes) {
			ev.N = copy(ev.Bytes[:], p.raw[:len(ev.Bytes)])
			p.rawLen = copy(p.raw[:], p.raw[len(ev.Bytes):p.rawLen])
		} else {
			ev.N = copy(ev.Bytes[:], p.raw[:p.rawLen])
			p.rawLen = 0
			if trailing {
				ev.Bytes[ev.N] = b
				ev.N++
			}
		}
		if ev.N == 0 {
			return
		}
		sink(ev)
		if p.rawLen == 0 {
			return
		}
	}
}

// pushRaw appends b to the raw instruction buffer.
func (p *Parser) pushRaw(b byte) error {
	if p.rawLen == maxRaw {
		return errCapacity
	}
	p.raw[p.rawLen] = b
	p.rawLen++
	return nil
}

// pushDigit appends b to the field currently being read.
func (p *Parser) pushDigit(b byte) error {
	if p.digits.n == maxFieldDigits {
		return errCapacity
	}
	p.digits.buf[p.digits.n] = b
	p.digits.n++
	return nil
}

// finalizeField moves the current digit accumulator, if populated, onto the
// pending field list.
func (p *Parser) finalizeField() error {
	if p.digits.n == 0 {
		return nil
	}
	if p.nfields == maxFields {
		return errCapacity
	}
	p.fields[p.nfields] = p.digits
	p.nfields++
	p.digits.n = 0
	return nil
}

// takeFields hands the completed fields to event construction and empties the
// pending list.
func (p *Parser) takeFields() []paramField {
	fields := p.fields[:p.nfields]
	p.nfields = 0
	return fields
}

// reset returns the parser to its initial state.
func (p *Parser) reset() {
	p.state = stateGround
	p.rawLen = 0
	p.nfields = 0
	p.digits.n = 0
}
