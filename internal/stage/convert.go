package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/active-learning/internal/engine"
	"github.com/ChuLiYu/active-learning/internal/molio"
)

// ErrNoStructure is returned when a record cannot be turned into a structure string.
var ErrNoStructure = errors.New("no structure string")

// StructureConverter turns an SD record into a canonical structure string.
type StructureConverter interface {
	Convert(ctx context.Context, rec *molio.Record) (string, error)
}

// PropertyConverter reads the structure string carried as an SD property.
// Library preparation usually stores the canonical SMILES with the record.
type PropertyConverter struct {
	Props []string
}

var defaultStructureProps = []string{"smiles", "SMILES", "canonical_smiles", "Canonical_SMILES"}

func (c PropertyConverter) Convert(_ context.Context, rec *molio.Record) (string, error) {
	props := c.Props
	if len(props) == 0 {
		props = defaultStructureProps
	}
	for _, name := range props {
		if v, ok := rec.Prop(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("%w: %q has none of %v", ErrNoStructure, rec.Title, props)
}

// CommandConverter pipes each record through an external converter such as
// "obabel -isdf -ocan" and takes the first field of its output.
type CommandConverter struct {
	Runner engine.Runner
	Tools  engine.Tools
}

func (c CommandConverter) Convert(ctx context.Context, rec *molio.Record) (string, error) {
	var in bytes.Buffer
	if err := molio.Encode(&in, rec); err != nil {
		return "", err
	}
	cmd := c.Tools.ConvertCommand()
	cmd.Stdin = &in
	out, err := engine.Output(ctx, c.Runner, cmd)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: converter printed nothing for %q", ErrNoStructure, rec.Title)
	}
	return fields[0], nil
}

// converter returns the configured converter, falling back to the external
// tool when one is configured and to the record properties otherwise.
func (e *Env) converter() StructureConverter {
	switch {
	case e.Converter != nil:
		return e.Converter
	case e.Tools.Converter != "":
		return CommandConverter{Runner: e.Runner, Tools: e.Tools}
	default:
		return PropertyConverter{}
	}
}
