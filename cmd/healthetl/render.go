package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"healthetl/internal/loader"
	"healthetl/internal/multitable"
	"healthetl/internal/storage"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer renders progress and summaries for humans.
type printer struct {
	w io.Writer

	ok   *color.Color
	warn *color.Color
	dim  *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:    w,
		ok:   color.New(color.FgGreen, color.Bold),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.Faint),
	}
	if noColor {
		p.ok.DisableColor()
		p.warn.DisableColor()
		p.dim.DisableColor()
	} else {
		p.ok.EnableColor()
		p.warn.EnableColor()
		p.dim.EnableColor()
	}
	return p
}

func (p *printer) progress(fi loader.FlushInfo) {
	p.dim.Fprintf(p.w, "  %s: +%s rows (%s total, %s)\n",
		fi.Table, humanize.Comma(int64(fi.Rows)), humanize.Comma(fi.Total), fi.Duration.Round(time.Millisecond))
}

func (p *printer) success(format string, args ...any) {
	p.ok.Fprintf(p.w, format+"\n", args...)
}

func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Format.Footer = text.FormatDefault
	return tbl
}

// summary prints rows per table, largest first, then the sampled element
// errors.
func (p *printer) summary(sum multitable.Summary, source string) {
	if len(sum.RowsByTable) > 0 {
		names := make([]string, 0, len(sum.RowsByTable))
		for name := range sum.RowsByTable {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			a, b := sum.RowsByTable[names[i]], sum.RowsByTable[names[j]]
			if a != b {
				return a > b
			}
			return names[i] < names[j]
		})

		tbl := newTable(p.w)
		tbl.SetTitle(source)
		tbl.AppendHeader(table.Row{"Table", "Rows"})
		tbl.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight}})
		for _, name := range names {
			tbl.AppendRow(table.Row{name, humanize.Comma(sum.RowsByTable[name])})
		}
		tbl.AppendFooter(table.Row{fmt.Sprintf("%d tables", len(names)), humanize.Comma(sum.Rows)})
		tbl.Render()
	}

	if sum.ElementErrors == 0 {
		return
	}
	p.warn.Fprintf(p.w, "%s elements skipped", humanize.Comma(int64(sum.ElementErrors)))
	if len(sum.Samples) < sum.ElementErrors {
		p.warn.Fprintf(p.w, " (showing first %d)", len(sum.Samples))
	}
	fmt.Fprintln(p.w)

	tbl := newTable(p.w)
	tbl.AppendHeader(table.Row{"Line", "Element", "Reason"})
	for _, ee := range sum.Samples {
		tbl.AppendRow(table.Row{ee.Line, ee.Tag, ee.Error()})
	}
	tbl.Render()
}

// schema prints one row per column of every discovered table.
func (p *printer) schema(tables []storage.TableSpec) {
	tbl := newTable(p.w)
	tbl.AppendHeader(table.Row{"Table", "Column", "Type"})
	cols := 0
	for _, t := range tables {
		if t.PrimaryKey != nil {
			tbl.AppendRow(table.Row{t.Name, t.PrimaryKey.Name, "primary key"})
		}
		for _, c := range t.Columns {
			tbl.AppendRow(table.Row{t.Name, c.Name, c.Type.String()})
			cols++
		}
		tbl.AppendSeparator()
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("%d tables", len(tables)), fmt.Sprintf("%d columns", cols), ""})
	tbl.Render()
}
