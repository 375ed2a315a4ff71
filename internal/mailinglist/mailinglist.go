// Package mailinglist keeps the end-of-session email signups in an xlsx
// workbook.
package mailinglist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
)

const SheetName = "Feuille 1"

var header = []any{"Timestamp", "Email", "StudentCode"}

type Signup struct {
	At          time.Time
	Email       string
	StudentCode string
}

// Sheet appends signups to one workbook. Appends are serialized.
type Sheet struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Sheet {
	return &Sheet{path: path}
}

func (s *Sheet) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		f = excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
			f.Close()
			return nil, fmt.Errorf("name sheet: %w", err)
		}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	return f, nil
}

// sheet prefers SheetName and falls back to the first sheet.
func sheet(f *excelize.File) string {
	if idx, err := f.GetSheetIndex(SheetName); err == nil && idx >= 0 {
		return SheetName
	}
	return f.GetSheetName(0)
}

func (s *Sheet) Append(ctx context.Context, in Signup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open()
	if err != nil {
		return err
	}
	defer f.Close()

	name := sheet(f)
	rows, err := f.GetRows(name)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	next := len(rows) + 1
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == "" {
		if err := f.SetSheetRow(name, "A1", &header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		if next < 2 {
			next = 2
		}
	}

	cell, err := excelize.CoordinatesToCellName(1, next)
	if err != nil {
		return err
	}
	row := []any{in.At.UTC().Format(time.RFC3339), in.Email, in.StudentCode}
	if err := f.SetSheetRow(name, cell, &row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}

	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// Rows returns every data row below the header.
func (s *Sheet) Rows() ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet(f))
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}
