package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"odwatch/internal/core"
)

// SheetSource reads the dataset from a Google Sheet range. Cells are read
// unformatted, so a number shown as "1,234" arrives as 1234.
type SheetSource struct {
	svc           *gsheet.Service
	spreadsheetID string
	readRange     string
}

// SheetCredentials selects the service account key. JSON wins over File.
type SheetCredentials struct {
	JSON string
	File string
}

func (c SheetCredentials) load() ([]byte, error) {
	switch {
	case strings.TrimSpace(c.JSON) != "":
		return []byte(c.JSON), nil
	case strings.TrimSpace(c.File) != "":
		b, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}
}

func NewSheetSource(ctx context.Context, spreadsheetID, readRange string, creds SheetCredentials) (*SheetSource, error) {
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	credentialsJSON, err := creds.load()
	if err != nil {
		return nil, err
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsReadonlyScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets dataset source ready",
		"spreadsheet_id", spreadsheetID,
		"range", readRange)

	return &SheetSource{svc: svc, spreadsheetID: spreadsheetID, readRange: readRange}, nil
}

func (s *SheetSource) Name() string {
	return "sheets:" + s.spreadsheetID + "/" + s.readRange
}

func (s *SheetSource) Rows(ctx context.Context) ([][]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.readRange).
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("FORMATTED_STRING").
		Context(ctx).
		Do()
	if err != nil {
		fe := &core.FetchError{Source: s.Name(), Err: err}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			fe.Status = fmt.Sprintf("%d %s", apiErr.Code, http.StatusText(apiErr.Code))
		}
		return nil, fe
	}
	return valuesToRows(resp.Values), nil
}

// valuesToRows converts a Sheets values matrix into string rows, dropping
// trailing all-blank rows the same way the CSV tokenizer does.
func valuesToRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		rows = append(rows, toStrings(v))
	}
	for len(rows) > 0 && allBlank(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	return rows
}

// toStrings renders unformatted cells. Numbers are written without digit
// grouping or exponent so they parse like the CSV export.
func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		switch val := v.(type) {
		case nil:
		case string:
			out[i] = val
		case float64:
			out[i] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[i] = strconv.FormatBool(val)
		default:
			out[i] = fmt.Sprint(val)
		}
	}
	return out
}

func allBlank(row []string) bool {
	for _, f := range row {
		if f != "" {
			return false
		}
	}
	return true
}
