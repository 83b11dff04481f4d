// Package report формирует выгрузки журнала проводок.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/fieldops/dispatch/internal/model"
)

// LedgerSheet задаёт имя листа с проводками.
const LedgerSheet = "Ledger"

// ContentType задаёт MIME-тип книги xlsx.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var ledgerHeaders = []string{"Time", "Kind", "Subject", "Field", "Amount", "Before", "After", "Reason", "Actor", "Order", "Group"}

// WriteLedger пишет проводки в книгу xlsx в порядке переданного среза.
// Время приводится к поясу loc.
func WriteLedger(w io.Writer, entries []model.LedgerEntry, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", LedgerSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(LedgerSheet)
	if err != nil {
		return fmt.Errorf("create stream writer: %w", err)
	}

	header := make([]any, len(ledgerHeaders))
	for i, h := range ledgerHeaders {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			e.CreatedAt.In(loc).Format(time.DateTime),
			string(e.Kind),
			subject(e.Subject),
			string(e.Field),
			e.Amount.InexactFloat64(),
			e.Pre.InexactFloat64(),
			e.Post.InexactFloat64(),
			e.Reason,
			e.ActorID.String(),
			optional(e.OrderID),
			optional(e.GroupID),
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func subject(id uuid.UUID) string {
	if id == uuid.Nil {
		return "TREASURY"
	}
	return id.String()
}

func optional(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
