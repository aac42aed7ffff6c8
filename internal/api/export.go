package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nerrad567/fleetcore/internal/command"
)

const (
	// maxExportRows caps a single export; narrow the filter for more.
	maxExportRows = 10000

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var exportColumns = []string{
	"ID", "Device", "Type", "Status", "Priority", "Created By",
	"Created At", "Sent At", "Completed At", "Success", "Message", "Error Code",
}

// handleExportCommands returns the filtered command history as an XLSX
// attachment. It accepts the same filters as the list endpoint; paging is
// ignored and the workbook is built in memory before it is written.
func (s *Server) handleExportCommands(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCommandFilter(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	cmds, err := s.commands.Export(r.Context(), filter, maxExportRows)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	data, err := BuildCommandsXLSX(cmds)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	name := fmt.Sprintf("commands-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(data)
}

// BuildCommandsXLSX renders commands as a workbook with one sheet of rows
// and a summary sheet of counts per status.
func BuildCommandsXLSX(cmds []command.Command) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // in-memory workbook, nothing to flush

	const sheet = "Commands"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("export sheet: %w", err)
	}

	header := make([]any, len(exportColumns))
	for i, col := range exportColumns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("export header: %w", err)
	}

	counts := make(map[command.Status]int)
	for i, cmd := range cmds {
		counts[cmd.Status]++

		row := []any{
			cmd.ID, cmd.DeviceID, string(cmd.Type), string(cmd.Status), string(cmd.Priority), cmd.CreatedBy,
			formatExportTime(&cmd.CreatedAt), formatExportTime(cmd.SentAt), formatExportTime(cmd.CompletedAt),
		}
		if cmd.Result != nil {
			row = append(row, cmd.Result.Success, cmd.Result.Message, cmd.Result.ErrorCode)
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, fmt.Errorf("export row %s: %w", cmd.ID, err)
		}
	}

	const summary = "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, fmt.Errorf("export summary sheet: %w", err)
	}
	rows := [][]any{{"Status", "Count"}}
	for _, status := range command.AllStatuses() {
		rows = append(rows, []any{string(status), counts[status]})
	}
	rows = append(rows, []any{"Total", len(cmds)})
	for i := range rows {
		if err := f.SetSheetRow(summary, fmt.Sprintf("A%d", i+1), &rows[i]); err != nil {
			return nil, fmt.Errorf("export summary: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("export write: %w", err)
	}
	return buf.Bytes(), nil
}

func formatExportTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
