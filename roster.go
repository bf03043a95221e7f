package handover

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goliatone/hashid/pkg/hashid"
)

// RosterRow is one institutional account from a registrar export.
type RosterRow struct {
	Line          int
	Email         string
	UIN           string
	ClassYear     *int
	PersonalEmail string
}

// ImportReport summarizes a roster import.
type ImportReport struct {
	Created int               `json:"created"`
	Skipped int               `json:"skipped"`
	Failed  map[int]string    `json:"failed,omitempty"`
	IDs     map[string]string `json:"-"`
}

var rosterColumns = []string{"email", "uin", "classYear", "personalEmail"}

// ParseRoster reads a CSV with the header email,uin,classYear,personalEmail.
// Column order follows the header; personalEmail and classYear may be empty.
func ParseRoster(r io.Reader) ([]RosterRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, newError(ErrValidation, "roster is empty")
		}
		return nil, wrapError(ErrValidation, err, "failed to read roster header")
	}

	index := map[string]int{}
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range rosterColumns[:2] {
		if _, ok := index[strings.ToLower(col)]; !ok {
			return nil, validationError("invalid roster header", map[string]string{col: "column is required"})
		}
	}

	field := func(record []string, col string) string {
		i, ok := index[strings.ToLower(col)]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []RosterRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapError(ErrValidation, err, "failed to read roster", map[string]any{"line": line})
		}

		row := RosterRow{
			Line:          line,
			Email:         NormalizeEmail(field(record, "email")),
			UIN:           NormalizeUIN(field(record, "uin")),
			PersonalEmail: NormalizeEmail(field(record, "personalEmail")),
		}
		if raw := field(record, "classYear"); raw != "" {
			year, err := strconv.Atoi(raw)
			if err != nil {
				return nil, validationError("invalid roster", map[string]string{
					"classYear": fmt.Sprintf("line %d: must be a number", line),
				})
			}
			row.ClassYear = &year
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ImportRoster creates institutional student accounts. Account ids are
// derived from the email, so running the same roster twice creates nothing
// new. Imported accounts get an unusable password and claim their account
// through a claim link.
func (h *Handovers) ImportRoster(ctx context.Context, rows []RosterRow) (*ImportReport, error) {
	report := &ImportReport{Failed: map[int]string{}, IDs: map[string]string{}}
	register := NewRegisterAccountHandler(h.repo, h.hasher).WithLogger(h.logger)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, wrapError(ErrTransient, err, "roster import interrupted")
		}

		if row.UIN == "" {
			report.Failed[row.Line] = "uin: cannot be blank"
			continue
		}

		id, err := hashid.NewUUID(row.Email)
		if err == nil {
			if existing, lookupErr := h.repo.Accounts().AccountByID(ctx, id); lookupErr == nil {
				report.Skipped++
				report.IDs[row.Email] = existing.ID.String()
				continue
			} else if !IsNotFound(lookupErr) {
				return report, lookupErr
			}
		}

		digest, err := UnusablePasswordDigest(h.hasher)
		if err != nil {
			return report, wrapError(ErrTransient, err, "failed to prepare imported password")
		}

		err = register.Execute(ctx, RegisterAccountMessage{
			Email:          row.Email,
			UIN:            row.UIN,
			ClassYear:      row.ClassYear,
			PersonalEmail:  row.PersonalEmail,
			Role:           RoleStudent,
			PasswordDigest: digest,
			UseHashid:      true,
			OnResponse: func(account *Account) {
				report.IDs[row.Email] = account.ID.String()
			},
		})
		switch {
		case err == nil:
			report.Created++
		case IsConflict(err):
			report.Skipped++
		case IsValidation(err):
			report.Failed[row.Line] = describeValidation(err)
		default:
			return report, err
		}
	}

	h.logger.Info("roster imported", "created", report.Created, "skipped", report.Skipped, "failed", len(report.Failed))
	return report, nil
}

func describeValidation(err error) string {
	richErr := AsRich(err)
	fields, _ := richErr.Metadata["fields"].(map[string]string)
	if len(fields) == 0 {
		return richErr.Message
	}
	parts := make([]string, 0, len(fields))
	for _, col := range rosterColumns {
		if msg, ok := fields[col]; ok {
			parts = append(parts, col+": "+msg)
		}
	}
	if len(parts) == 0 {
		return richErr.Message
	}
	return strings.Join(parts, "; ")
}
