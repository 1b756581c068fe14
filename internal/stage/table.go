package stage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ChuLiYu/active-learning/internal/molio"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

// readRows returns every row of a CSV file. Rows may have differing widths.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// writeRows writes rows to path atomically.
func writeRows(path string, rows [][]string) error {
	return molio.WriteAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	})
}

func formatScore(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// readPredictions reads a table with a header row into predictions. The
// "title" and "score" columns are located by name; without them the title is
// the second column and the score the last.
func readPredictions(path string) ([]types.Prediction, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	titleCol, scoreCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "title":
			titleCol = i
		case "score":
			scoreCol = i
		}
	}
	if scoreCol < 0 {
		scoreCol = len(header) - 1
	}
	if titleCol < 0 {
		titleCol = min(1, len(header)-1)
		if titleCol == scoreCol {
			titleCol = 0
		}
	}

	preds := make([]types.Prediction, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) <= max(titleCol, scoreCol) {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, errShortRow)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(row[scoreCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
		}
		preds = append(preds, types.Prediction{Title: row[titleCol], Score: score})
	}
	return preds, nil
}

var errShortRow = errors.New("row has too few columns")

func writePredictions(path string, preds []types.Prediction) error {
	rows := make([][]string, 0, len(preds)+1)
	rows = append(rows, []string{"title", "score"})
	for _, p := range preds {
		rows = append(rows, []string{p.Title, formatScore(p.Score)})
	}
	return writeRows(path, rows)
}
