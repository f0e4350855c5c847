// Package ini parses the server configuration file.
//
// The accepted grammar is
//
//	file      ::= (comment | ws)* section+
//	section   ::= '[' name ']' ws* eol body
//	body      ::= (comment | equality | blank)*
//	equality  ::= ws* key ws* '=' ws* value eol
//	comment   ::= ws* (';' | '#') text eol
//
// Both "\n" and "\r\n" line endings are accepted.
package ini

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dbfs/dbfs/pkg/errors"
)

const (
	sectionStart = '['
	sectionEnd   = ']'
	assign       = '='
)

const maxLineLength = 1 << 20

type state int

const (
	stateStart state = iota
	stateSectionHeader
	stateValues
	stateEnd
)

// Entry is one key/value line of a section.
type Entry struct {
	Key   string
	Value string
	Line  int
}

// Section is a named group of entries in file order.
type Section struct {
	Name    string
	Line    int
	Entries []Entry
}

// Get returns the first value stored under key.
func (s *Section) Get(key string) (string, bool) {
	for _, e := range s.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Values returns every value stored under key, in file order.
func (s *Section) Values(key string) []string {
	var out []string
	for _, e := range s.Entries {
		if e.Key == key {
			out = append(out, e.Value)
		}
	}
	return out
}

// Keys returns the distinct keys of the section in first-seen order.
func (s *Section) Keys() []string {
	seen := make(map[string]bool, len(s.Entries))
	keys := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		if !seen[e.Key] {
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}
	return keys
}

func (s *Section) has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Document is a parsed configuration file.
type Document struct {
	Sections []*Section
	index    map[string]int
}

// Section looks a section up by name.
func (d *Document) Section(name string) (*Section, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.Sections[i], true
}

// Names returns the section names in file order.
func (d *Document) Names() []string {
	names := make([]string, len(d.Sections))
	for i, s := range d.Sections {
		names[i] = s.Name
	}
	return names
}

// Encode writes the document back out as "[name]" headers and "key = value" lines.
func (d *Document) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, s := range d.Sections {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, "[%s]\n", s.Name); err != nil {
			return err
		}
		for _, e := range s.Entries {
			if _, err := fmt.Fprintf(bw, "%s = %s\n", e.Key, e.Value); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// String renders the document the way Encode does.
func (d *Document) String() string {
	var b strings.Builder
	_ = d.Encode(&b)
	return b.String()
}

// ParseFile opens path and parses it.
func ParseFile(path string, allowDuplicates bool) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "cannot open configuration file").
			WithComponent("ini").
			WithPath(path).
			WithCause(err)
	}
	defer f.Close()

	doc, err := Parse(f, allowDuplicates)
	if err != nil {
		if dbfsErr, ok := err.(*errors.DBFSError); ok {
			return nil, dbfsErr.WithPath(path)
		}
		return nil, err
	}
	return doc, nil
}

// Parse reads a configuration document from r. A key repeated within one
// section is an error unless allowDuplicates is set, in which case every
// occurrence is kept in order.
func Parse(r io.Reader, allowDuplicates bool) (*Document, error) {
	p := &parser{
		scanner:         bufio.NewScanner(r),
		allowDuplicates: allowDuplicates,
		doc:             &Document{index: make(map[string]int)},
	}
	p.scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	return p.run()
}

type parser struct {
	scanner         *bufio.Scanner
	allowDuplicates bool

	doc     *Document
	current *Section
	line    string
	lineno  int
}

func (p *parser) next() (bool, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return false, p.fail("cannot read configuration: %v", err)
		}
		return false, nil
	}
	p.lineno++
	p.line = strings.TrimSuffix(p.scanner.Text(), "\r")
	return true, nil
}

func (p *parser) run() (*Document, error) {
	st := stateStart
	for st != stateEnd {
		switch st {
		case stateStart:
			ok, err := p.next()
			if err != nil {
				return nil, err
			}
			if !ok {
				st = stateEnd
				continue
			}
			if isEmptyOrComment(p.line) {
				continue
			}
			if !isSectionHeader(p.line) {
				return nil, p.fail("file must start with whitespace, comments, or a section header")
			}
			st = stateSectionHeader

		case stateSectionHeader:
			name, err := p.sectionName()
			if err != nil {
				return nil, err
			}
			if _, dup := p.doc.index[name]; dup {
				return nil, p.fail("the section name [%s] is a duplicate", name)
			}
			p.current = &Section{Name: name, Line: p.lineno}
			p.doc.index[name] = len(p.doc.Sections)
			p.doc.Sections = append(p.doc.Sections, p.current)
			st = stateValues

		case stateValues:
			ok, err := p.next()
			if err != nil {
				return nil, err
			}
			if !ok {
				st = stateEnd
				continue
			}
			if isEmptyOrComment(p.line) {
				continue
			}
			if isSectionHeader(p.line) {
				st = stateSectionHeader
				continue
			}
			key, value, err := p.pair()
			if err != nil {
				return nil, err
			}
			if p.current.has(key) && !p.allowDuplicates {
				return nil, p.fail("the section [%s] has a duplicate value name [%s]", p.current.Name, key)
			}
			p.current.Entries = append(p.current.Entries, Entry{Key: key, Value: value, Line: p.lineno})
		}
	}

	if len(p.doc.Sections) == 0 {
		return nil, p.fail("file must contain at least one section")
	}
	return p.doc, nil
}

func (p *parser) fail(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeParse, "the INI file is formatted incorrectly: "+format, args...).
		WithComponent("ini").
		WithLine(p.lineno)
}

func (p *parser) sectionName() (string, error) {
	start := strings.IndexByte(p.line, sectionStart)
	end := strings.IndexByte(p.line, sectionEnd)
	if end <= start {
		return "", p.fail("an invalid section header was found")
	}
	name := strings.TrimSpace(p.line[start+1 : end])
	if name == "" {
		return "", p.fail("an empty section header was found")
	}
	if strings.TrimSpace(p.line[end+1:]) != "" {
		return "", p.fail("only whitespace can follow a section header")
	}
	return name, nil
}

func (p *parser) pair() (string, string, error) {
	i := strings.IndexByte(p.line, assign)
	if i < 0 {
		return "", "", p.fail("a name value pair was found without an equality operator or malformed section header")
	}
	key := strings.TrimSpace(p.line[:i])
	if key == "" {
		return "", "", p.fail("a name value pair was found without a name")
	}
	return key, strings.TrimSpace(stripComment(p.line[i+1:])), nil
}

func isCommentMarker(c byte) bool {
	return c == ';' || c == '#'
}

// commentIndex returns the position of the first comment marker, or -1.
func commentIndex(line string) int {
	return strings.IndexAny(line, ";#")
}

// isEmptyOrComment reports whether a line is blank, starts with a comment
// marker, or has a section or assignment delimiter after its first comment
// marker. "a = b ; [note]" is therefore a comment.
func isEmptyOrComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || isCommentMarker(trimmed[0]) {
		return true
	}

	c := commentIndex(line)
	if c < 0 {
		return false
	}
	open := strings.IndexByte(line, sectionStart)
	eq := strings.IndexByte(line, assign)
	return open > c || eq > c
}

// isSectionHeader assumes the line is not a comment.
func isSectionHeader(line string) bool {
	open := strings.IndexByte(line, sectionStart)
	end := strings.IndexByte(line, sectionEnd)
	if open < 0 || end < 0 {
		return false
	}
	if c := commentIndex(line); c >= 0 && c < open {
		return false
	}
	if eq := strings.IndexByte(line, assign); eq >= 0 && eq < open {
		return false
	}
	return true
}

// stripComment cuts a trailing comment from a value. A marker only starts a
// comment at the beginning of the value or after whitespace, so "p#ss" stays intact.
func stripComment(value string) string {
	for i := 0; i < len(value); i++ {
		if !isCommentMarker(value[i]) {
			continue
		}
		if i == 0 || value[i-1] == ' ' || value[i-1] == '\t' {
			return value[:i]
		}
	}
	return value
}
