// Package molio reads and writes MDL SD files, the record format used for
// ligand libraries, docking inputs and docking poses.
//
// Only the envelope is interpreted: the title line, the counts line (to judge
// structural validity) and the data items after the mol block. Atom and bond
// blocks are carried through verbatim.
package molio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const recordEnd = "$$$$"

// ErrNoScore is returned by Record.Score when no score property can be read.
var ErrNoScore = errors.New("record has no score")

// Property is one SD data item.
type Property struct {
	Name  string
	Value string
}

// Record is one compound entry of an SD file.
type Record struct {
	Title string
	// Block holds the mol block lines after the title, up to and including "M  END".
	Block []string
	Props []Property
}

// Prop returns the value of the first property with the given name.
func (r *Record) Prop(name string) (string, bool) {
	for _, p := range r.Props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// SetProp replaces the named property, appending it when absent.
func (r *Record) SetProp(name, value string) {
	for i := range r.Props {
		if r.Props[i].Name == name {
			r.Props[i].Value = value
			return
		}
	}
	r.Props = append(r.Props, Property{Name: name, Value: value})
}

// scoreProps are checked in order; docking engines disagree on the name.
var scoreProps = []string{"score", "Uni-Dock RESULT", "minimizedAffinity", "docking_score"}

// Score returns the record's docking score.
func (r *Record) Score() (float64, error) {
	for _, name := range scoreProps {
		v, ok := r.Prop(name)
		if !ok {
			continue
		}
		return parseScore(v)
	}
	return 0, ErrNoScore
}

// parseScore accepts a bare number or Uni-Dock's "ENERGY=  -7.5  LOWER_BOUND=..." form.
func parseScore(v string) (float64, error) {
	fields := strings.Fields(strings.ReplaceAll(v, "=", "= "))
	for i, f := range fields {
		if f == "ENERGY=" && i+1 < len(fields) {
			return strconv.ParseFloat(fields[i+1], 64)
		}
	}
	if len(fields) == 0 {
		return 0, ErrNoScore
	}
	s, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", v, err)
	}
	return s, nil
}

// Valid reports whether the mol block describes at least one atom.
func (r *Record) Valid() bool {
	if len(r.Block) < 3 {
		return false
	}
	counts := r.Block[2]
	if strings.Contains(counts, "V3000") {
		for _, line := range r.Block[3:] {
			if strings.HasPrefix(line, "M  V30 COUNTS") {
				f := strings.Fields(line)
				if len(f) < 4 {
					return false
				}
				n, err := strconv.Atoi(f[3])
				return err == nil && n > 0
			}
		}
		return false
	}
	if len(counts) < 3 {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(counts[:3]))
	if err != nil || n <= 0 {
		return false
	}
	// header + counts + atoms + "M  END" at minimum
	return len(r.Block) >= 3+n
}

// Reader iterates over the records of an SD stream.
type Reader struct {
	sc   *bufio.Scanner
	line int
	err  error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
// A syntax problem in one record is reported as a *ParseError; the reader has
// already advanced past that record, so callers may keep going.
func (rd *Reader) Next() (*Record, error) {
	if rd.err != nil {
		return nil, rd.err
	}

	var lines []string
	start := rd.line + 1
	for rd.sc.Scan() {
		rd.line++
		line := strings.TrimRight(rd.sc.Text(), "\r")
		if line == recordEnd {
			return parseRecord(lines, start)
		}
		lines = append(lines, line)
	}
	if err := rd.sc.Err(); err != nil {
		rd.err = err
		return nil, err
	}
	rd.err = io.EOF
	if len(strings.TrimSpace(strings.Join(lines, ""))) == 0 {
		return nil, io.EOF
	}
	// trailing record without terminator
	return parseRecord(lines, start)
}

// ParseError describes a malformed record.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sdf: record at line %d: %s", e.Line, e.Reason)
}

func parseRecord(lines []string, start int) (*Record, error) {
	if len(lines) == 0 {
		return nil, &ParseError{Line: start, Reason: "empty record"}
	}
	rec := &Record{Title: strings.TrimSpace(lines[0])}

	i := 1
	for ; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], ">") {
			break
		}
		rec.Block = append(rec.Block, lines[i])
		if strings.HasPrefix(lines[i], "M  END") {
			i++
			break
		}
	}

	for i < len(lines) {
		line := lines[i]
		i++
		if !strings.HasPrefix(line, ">") {
			continue
		}
		open, closing := strings.Index(line, "<"), strings.LastIndex(line, ">")
		if open < 0 || closing <= open {
			return nil, &ParseError{Line: start + i - 1, Reason: fmt.Sprintf("bad data header %q", line)}
		}
		name := line[open+1 : closing]
		var value []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			value = append(value, lines[i])
			i++
		}
		rec.Props = append(rec.Props, Property{Name: name, Value: strings.Join(value, "\n")})
	}
	return rec, nil
}

// Encode writes one record in SD format.
func Encode(w io.Writer, rec *Record) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(rec.Title)
	bw.WriteByte('\n')
	for _, line := range rec.Block {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	for _, p := range rec.Props {
		fmt.Fprintf(bw, ">  <%s>\n%s\n\n", p.Name, p.Value)
	}
	bw.WriteString(recordEnd)
	bw.WriteByte('\n')
	return bw.Flush()
}
