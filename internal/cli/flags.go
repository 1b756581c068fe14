package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

// tripleFlags take three space separated values on the command line.
var tripleFlags = []string{"--center", "--size"}

// NormalizeArgs folds "--center x y z" into "--center=x,y,z" so the values
// reach pflag as one slice flag. Values may be negative, which pflag would
// otherwise read as shorthand flags.
func NormalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return append(out, args[i:]...)
		}
		if isTriple(a) && i+3 < len(args) {
			out = append(out, a+"="+strings.Join(args[i+1:i+4], ","))
			i += 3
			continue
		}
		out = append(out, a)
	}
	return out
}

func isTriple(arg string) bool {
	return slices.Contains(tripleFlags, arg)
}

type boxFlags struct {
	center []float64
	size   []int
}

func addBoxFlags(fs *pflag.FlagSet) *boxFlags {
	b := &boxFlags{}
	fs.Float64SliceVar(&b.center, "center", nil, "docking box center: x y z")
	fs.IntSliceVar(&b.size, "size", slices.Clone(types.DefaultBoxSize[:]), "docking box size: x y z")
	return b
}

func (b *boxFlags) box() (types.Box, error) {
	var box types.Box
	if len(b.center) != 3 {
		return box, fmt.Errorf("--center needs 3 values, got %d", len(b.center))
	}
	if len(b.size) != 3 {
		return box, fmt.Errorf("--size needs 3 values, got %d", len(b.size))
	}
	copy(box.Center[:], b.center)
	copy(box.Size[:], b.size)
	return box, box.Validate()
}
