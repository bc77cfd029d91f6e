package reports

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/Spok95/club-crm/internal/domain/memberships"
)

// Roster собирает реестр членств года в xlsx для админов.
func Roster(rows []memberships.RosterRow) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())

	header := []interface{}{
		"membership_id",
		"household",
		"primary_first_name",
		"primary_last_name",
		"member_number",
		"status",
		"price",
		"discount_category",
		"enrolled_at",
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}

	rowN := 2
	for _, rr := range rows {
		number := ""
		if rr.MemberNumber != nil {
			number = fmt.Sprintf("%d", *rr.MemberNumber)
		}
		enrolled := ""
		if rr.EnrolledAt != nil {
			enrolled = rr.EnrolledAt.Format("2006-01-02 15:04")
		}
		excelRow := []interface{}{
			rr.MembershipID,
			rr.HouseholdName,
			rr.PrimaryFirstName,
			rr.PrimaryLastName,
			number,
			string(rr.Status),
			float64(rr.PriceCents) / 100,
			string(rr.DiscountCategory),
			enrolled,
		}
		cell, err := excelize.CoordinatesToCellName(1, rowN)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &excelRow); err != nil {
			return nil, err
		}
		rowN++
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
