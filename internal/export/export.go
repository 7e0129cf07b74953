// Package export writes test results as JSON or a spreadsheet.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/quizmaster/internal/model"
)

// SheetName is the worksheet holding the results.
const SheetName = "Results"

var header = []any{
	"Session", "User", "Email", "Test", "Attempt",
	"Score", "Max score", "Answers", "Started", "Finished",
}

// Document is the JSON export envelope.
type Document struct {
	ExportedAt time.Time         `json:"exportedAt"`
	Count      int               `json:"count"`
	Results    []model.ResultRow `json:"results"`
}

// WriteJSON writes rows as an indented JSON document.
func WriteJSON(w io.Writer, rows []model.ResultRow, now time.Time) error {
	if rows == nil {
		rows = []model.ResultRow{}
	}
	data, err := json.MarshalIndent(Document{ExportedAt: now, Count: len(rows), Results: rows}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, err = fmt.Fprintln(w)
	return err
}

// WriteXLSX writes rows to a workbook with a single results sheet.
func WriteXLSX(w io.Writer, rows []model.ResultRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", "J1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		finished := ""
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		values := []any{
			r.SessionID, r.UserName, r.UserEmail, r.TestTitle, r.Attempt,
			r.TotalScore, r.MaxScore, r.AnswerCount,
			r.StartedAt.Format("2006-01-02 15:04:05"), finished,
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := f.SetColWidth(SheetName, "B", "D", 28); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
