package override

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExpressionFileSuffix is the suffix of puppet expression files
const ExpressionFileSuffix = ".exp3.json"

// ErrEmptyExpression is returned for expression files with no parameters
var ErrEmptyExpression = errors.New("override: expression has no parameters")

type expressionFile struct {
	Type       string `json:"Type"`
	Parameters []struct {
		ID    string   `json:"Id"`
		Value *float64 `json:"Value"`
		Blend string   `json:"Blend"`
	} `json:"Parameters"`
}

// ExpressionName derives an expression name from its file path
func ExpressionName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ExpressionFileSuffix)
}

// ParseExpression decodes an expression document. Entries without an id or
// with a missing or non-finite value are dropped.
func ParseExpression(name string, data []byte) (Expression, error) {
	var f expressionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Expression{}, fmt.Errorf("decode expression %s: %w", name, err)
	}

	expr := Expression{Name: name}
	for _, p := range f.Parameters {
		if p.ID == "" || p.Value == nil || !finite(*p.Value) {
			continue
		}
		expr.Entries = append(expr.Entries, Entry{Control: p.ID, Value: *p.Value})
	}
	if len(expr.Entries) == 0 {
		return Expression{}, fmt.Errorf("%s: %w", name, ErrEmptyExpression)
	}
	return expr, nil
}

// LoadExpression reads an expression file from disk
func LoadExpression(path string) (Expression, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Expression{}, fmt.Errorf("read expression: %w", err)
	}
	return ParseExpression(ExpressionName(path), data)
}

// FindPersistent returns the expression files in dir whose names start with
// prefix, sorted and de-duplicated.
func FindPersistent(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list expressions: %w", err)
	}
	seen := make(map[string]bool)
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ExpressionFileSuffix) {
			continue
		}
		if !strings.HasPrefix(name, prefix) || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}
