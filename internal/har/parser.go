package har

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ohler55/ojg/oj"
)

// Item is one element of the parsed stream. Exactly one field is set:
// Log arrives first (log-level metadata and extensions seen before the
// arrays), then one Item per page, then one per entry. LogTrailer, when
// present, arrives last and carries log-level extension keys the
// producer placed after the pages/entries arrays.
type Item struct {
	Log        *Log
	Page       *Page
	Entry      *Entry
	LogTrailer Extensions
}

// Options controls how a Parser reads its source.
type Options struct {
	// AsyncRead moves file reads to a background goroutine feeding a
	// bounded in-memory ring, trading a few MB of RAM for smoother
	// throughput on very large captures.
	AsyncRead bool
}

type parserMode int

const (
	modeLog parserMode = iota
	modePages
	modeEntries
	modeDone
)

// Parser yields HAR items one at a time in document order. The element
// under the cursor is the only one materialized; structural navigation
// uses an incremental tokenizer and element values are parsed with ojg.
type Parser struct {
	path       string
	src        io.Closer
	dec        *json.Decoder
	mode       parserMode
	log        *Log
	logEmitted bool
	trailer    Extensions
	sawEntries bool
	err        error
}

// Open starts parsing the HAR file at path. The returned Parser holds
// the file handle until Close; abandoning iteration early is fine.
func Open(path string, opts Options) (*Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var src io.Reader
	closer := io.Closer(f)
	if opts.AsyncRead {
		rr := newRingReader(f)
		src = rr
		closer = rr
	} else {
		src = bufio.NewReaderSize(f, 256*1024)
	}

	p := &Parser{
		path: path,
		src:  closer,
		dec:  json.NewDecoder(src),
		log:  &Log{},
	}
	if err := p.enterLog(); err != nil {
		_ = closer.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the underlying file handle.
func (p *Parser) Close() error {
	return p.src.Close()
}

// Next returns the next item in document order, or io.EOF when the
// stream is exhausted. After any other error the parser is poisoned.
func (p *Parser) Next() (*Item, error) {
	if p.err != nil {
		return nil, p.err
	}
	item, err := p.next()
	if err != nil && err != io.EOF {
		p.err = err
	}
	return item, err
}

func (p *Parser) next() (*Item, error) {
	for {
		switch p.mode {
		case modePages, modeEntries:
			if p.dec.More() {
				raw, err := p.rawElement()
				if err != nil {
					return nil, err
				}
				if p.mode == modePages {
					page := decodePage(raw)
					if page == nil {
						return nil, parseErr(p.path, p.dec.InputOffset(), "page element is not an object")
					}
					return &Item{Page: page}, nil
				}
				entry := decodeEntry(raw)
				if entry == nil {
					return nil, parseErr(p.path, p.dec.InputOffset(), "entry element is not an object")
				}
				return &Item{Entry: entry}, nil
			}
			if _, err := p.token(); err != nil { // closing ]
				return nil, err
			}
			p.mode = modeLog
		case modeLog:
			item, err := p.advanceLog()
			if err != nil {
				return nil, err
			}
			if item != nil {
				return item, nil
			}
		case modeDone:
			if len(p.trailer) > 0 {
				t := p.trailer
				p.trailer = nil
				return &Item{LogTrailer: t}, nil
			}
			return nil, io.EOF
		}
	}
}

// enterLog walks the document root down to the first key inside "log".
func (p *Parser) enterLog() error {
	if err := p.expectDelim('{', "HAR document"); err != nil {
		return err
	}
	for {
		tok, err := p.token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return parseErr(p.path, p.dec.InputOffset(), "missing log object")
		}
		key, ok := tok.(string)
		if !ok {
			return parseErr(p.path, p.dec.InputOffset(), "unexpected token %v at document root", tok)
		}
		if key == "log" {
			return p.expectDelim('{', "log")
		}
		if err := p.skipValue(); err != nil {
			return err
		}
	}
}

// advanceLog consumes one key inside the log object. It returns an item
// when the cursor produced one (the buffered Log before the first array
// element) and nil when the caller should keep advancing.
func (p *Parser) advanceLog() (*Item, error) {
	tok, err := p.token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); ok && d == '}' {
		if !p.sawEntries {
			return nil, parseErr(p.path, p.dec.InputOffset(), "missing log.entries array")
		}
		p.mode = modeDone
		return p.pendingLog(), nil
	}
	key, ok := tok.(string)
	if !ok {
		return nil, parseErr(p.path, p.dec.InputOffset(), "unexpected token %v in log object", tok)
	}

	switch key {
	case "pages", "entries":
		if err := p.expectDelim('[', "log."+key); err != nil {
			return nil, err
		}
		if key == "entries" {
			p.sawEntries = true
			p.mode = modeEntries
		} else {
			p.mode = modePages
		}
		return p.pendingLog(), nil
	}

	raw, err := p.rawElement()
	if err != nil {
		return nil, err
	}
	p.absorbLogField(key, raw)
	return nil, nil
}

// pendingLog emits the buffered log metadata exactly once, before the
// first page or entry.
func (p *Parser) pendingLog() *Item {
	if p.logEmitted {
		return nil
	}
	p.logEmitted = true
	return &Item{Log: p.log}
}

func (p *Parser) absorbLogField(key string, value any) {
	if p.logEmitted {
		// Producer put log fields after the arrays; hold them for the
		// trailer so nothing is silently dropped.
		if p.trailer == nil {
			p.trailer = Extensions{}
		}
		p.trailer[key] = value
		return
	}
	switch key {
	case "version":
		if s, ok := asString(value); ok {
			p.log.Version = s
		}
	case "comment":
		if s, ok := asString(value); ok {
			p.log.Comment = s
		}
	case "creator":
		p.log.Creator = decodeCreator(value)
	case "browser":
		p.log.Browser = decodeCreator(value)
	default:
		if p.log.Extensions == nil {
			p.log.Extensions = Extensions{}
		}
		p.log.Extensions[key] = value
	}
}

// rawElement reads the next complete JSON value and parses it with ojg
// into generic Go values.
func (p *Parser) rawElement() (any, error) {
	var raw json.RawMessage
	if err := p.dec.Decode(&raw); err != nil {
		return nil, p.wrap(err)
	}
	v, err := oj.Parse(raw)
	if err != nil {
		return nil, parseErr(p.path, p.dec.InputOffset(), "invalid JSON value: %v", err)
	}
	return v, nil
}

func (p *Parser) skipValue() error {
	var raw json.RawMessage
	return p.wrap(p.dec.Decode(&raw))
}

func (p *Parser) token() (json.Token, error) {
	tok, err := p.dec.Token()
	return tok, p.wrap(err)
}

func (p *Parser) expectDelim(want rune, where string) error {
	tok, err := p.token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != json.Delim(want) {
		return parseErr(p.path, p.dec.InputOffset(), "%s: expected %q, got %v", where, want, tok)
	}
	return nil
}

func (p *Parser) wrap(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return parseErr(p.path, p.dec.InputOffset(), "truncated stream")
	}
	return parseErr(p.path, p.dec.InputOffset(), "%s", err.Error())
}

// ReadAll drains a parser into memory. Intended for tests and small
// captures; imports should iterate instead.
func ReadAll(path string, opts Options) (*Log, []Page, []Entry, error) {
	p, err := Open(path, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() { _ = p.Close() }()

	var (
		log     *Log
		pages   []Page
		entries []Entry
	)
	for {
		item, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, err
		}
		switch {
		case item.Log != nil:
			log = item.Log
		case item.Page != nil:
			pages = append(pages, *item.Page)
		case item.Entry != nil:
			entries = append(entries, *item.Entry)
		case item.LogTrailer != nil:
			if log != nil {
				if log.Extensions == nil {
					log.Extensions = Extensions{}
				}
				for k, v := range item.LogTrailer {
					log.Extensions[k] = v
				}
			}
		}
	}
	if log == nil {
		return nil, nil, nil, fmt.Errorf("no log metadata in %s", path)
	}
	return log, pages, entries, nil
}
