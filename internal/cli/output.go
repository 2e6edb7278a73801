package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/immigrally/pipeline/internal/domain"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Report выводит итоговый отчёт прогона: терминальный статус каждого
// stage и, для неуспеха, точную причину — никогда голое "pipeline failed".
func (o *Output) Report(run *domain.PipelineRun) {
	if o.jsonMode {
		o.JSON(run)
		return
	}

	headers := []string{"STAGE", "STATUS", "DURATION", "EXIT", "REASON"}
	rows := make([][]string, len(run.Records))
	for i, rec := range run.Records {
		exit := ""
		if rec.ExitCode >= 0 {
			exit = fmt.Sprintf("%d", rec.ExitCode)
		}
		rows[i] = []string{rec.Stage, string(rec.Status), formatDuration(rec.Duration()), exit, rec.Reason}
	}
	o.Table(headers, rows)

	fmt.Fprintf(o.w, "\nrun %s: %s", run.ID, run.Status)
	if run.Error != "" {
		fmt.Fprintf(o.w, " (%s)", run.Error)
	}
	fmt.Fprintf(o.w, " in %s\n", formatDuration(run.Duration()))
}

// Plan выводит план выполнения (--dry-run): пакеты в порядке запуска.
func (o *Output) Plan(plan [][]string) {
	if o.jsonMode {
		o.JSON(plan)
		return
	}
	for i, batch := range plan {
		if len(batch) == 1 {
			fmt.Fprintf(o.w, "%2d. %s\n", i+1, batch[0])
		} else {
			fmt.Fprintf(o.w, "%2d. [parallel] %s\n", i+1, strings.Join(batch, ", "))
		}
	}
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// formatDuration округляет продолжительность для таблицы.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.Round(time.Millisecond).String()
}
