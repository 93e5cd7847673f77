package export

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/xuri/excelize/v2"
)

const sentSheet = "Sent"

var sentHeaders = []string{
	"Sent At",
	"Name",
	"Company",
	"Role",
	"Email",
	"Phone",
	"Address",
	"Website",
	"Subject",
	"Provider Message ID",
}

// SentContactsXLSX renders sent cards as a single-sheet workbook, one row per card.
func SentContactsXLSX(cards []domain.Card, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sentSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	for i, h := range sentHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sentSheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	row := 2
	for _, card := range cards {
		var data domain.ExtractedData
		if card.ExtractedData != nil {
			data = *card.ExtractedData
		}
		subject := ""
		if card.EmailContent != nil {
			subject = card.EmailContent.Subject
		}
		sentAt := ""
		if card.SentAt != nil {
			sentAt = card.SentAt.In(loc).Format("2006-01-02 15:04")
		}

		values := []any{
			sentAt,
			data.Name,
			data.Company,
			data.Role,
			data.Email,
			data.Phone,
			data.Address,
			data.Website,
			subject,
			card.ProviderMessageID,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(sentSheet, cell, v); err != nil {
				return nil, fmt.Errorf("write row %d: %w", row, err)
			}
		}
		row++
	}

	_ = f.SetColWidth(sentSheet, "A", "A", 18)
	_ = f.SetColWidth(sentSheet, "B", "D", 24)
	_ = f.SetColWidth(sentSheet, "E", "E", 32)
	_ = f.SetColWidth(sentSheet, "F", "F", 18)
	_ = f.SetColWidth(sentSheet, "G", "G", 48)
	_ = f.SetColWidth(sentSheet, "H", "J", 32)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
