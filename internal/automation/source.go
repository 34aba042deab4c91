package automation

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source selects where a run's commands come from. Resolve picks the first
// applicable option: an explicit Script, combinations generated from the
// command table when UseTable is set, or the default command file.
type Source struct {
	Script string `json:"manual_commands_input,omitempty"`

	UseTable         bool   `json:"test_by_collection,omitempty"`
	TablePath        string `json:"table_path,omitempty"`
	CombinationsPath string `json:"combinations_path,omitempty"`
	Prefix           string `json:"prefix,omitempty"`

	DefaultPath string `json:"default_path,omitempty"`
}

// Resolve returns the ordered command list.
func (s Source) Resolve() ([]string, error) {
	var (
		cmds []string
		err  error
	)
	switch {
	case strings.TrimSpace(s.Script) != "":
		cmds = splitLines(s.Script)
	case s.UseTable:
		cmds, err = s.fromTable()
	default:
		cmds, err = LoadCommands(s.DefaultPath)
	}
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, ErrNoCommandsResolved
	}
	return cmds, nil
}

func (s Source) fromTable() ([]string, error) {
	f, err := os.Open(s.TablePath)
	if err != nil {
		return nil, fmt.Errorf("%w: command table: %v", ErrNoCommandsResolved, err)
	}
	defer f.Close()

	rows, err := ReadTable(f)
	if err != nil {
		return nil, err
	}
	cmds := GenerateCombinations(rows, s.Prefix)
	if s.CombinationsPath != "" && len(cmds) > 0 {
		if err := WriteCombinations(s.CombinationsPath, cmds); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// LoadCommands reads one command per line, dropping blank lines and the
// surrounding quotes a CSV export leaves behind.
func LoadCommands(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCommandsResolved, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line = strings.Trim(line, `"`); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// TableRow is one preprocessed command definition.
type TableRow struct {
	Key      string
	Default  string
	Min      string
	Max      string
	BelowMin string
	AboveMax string
}

var tableColumns = []string{"Command Key", "Default Value", "Minimum Value", "Maximum Value", "lessThanMin", "greaterThanMax"}

// ReadTable parses a command table CSV. The header must name every column
// in tableColumns; other columns are ignored.
func ReadTable(r io.Reader) ([]TableRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("command table header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range tableColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("command table: missing column %q", col)
		}
	}

	get := func(rec []string, col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []TableRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("command table: %w", err)
		}
		row := TableRow{
			Key:      get(rec, "Command Key"),
			Default:  get(rec, "Default Value"),
			Min:      get(rec, "Minimum Value"),
			Max:      get(rec, "Maximum Value"),
			BelowMin: get(rec, "lessThanMin"),
			AboveMax: get(rec, "greaterThanMax"),
		}
		if row.Key != "" {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// GenerateCombinations emits "<prefix><key>:<value>*" for the default,
// minimum, maximum, below-minimum and above-maximum values of each row,
// skipping blank values.
func GenerateCombinations(rows []TableRow, prefix string) []string {
	var out []string
	for _, r := range rows {
		for _, v := range []string{r.Default, r.Min, r.Max, r.BelowMin, r.AboveMax} {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, prefix+r.Key+":"+v+"*")
			}
		}
	}
	return out
}

// WriteCombinations replaces path with one command per CSV row.
func WriteCombinations(path string, cmds []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, c := range cmds {
		if err := w.Write([]string{c}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
