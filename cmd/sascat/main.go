// Sascat reads a SAS7BDAT file and writes its rows to stdout as CSV or
// as an Arrow IPC stream.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/ipc"
	"github.com/sasio/sas7bdat"
	"go.uber.org/zap"
)

var (
	chunk    = flag.Int("chunk", sas7bdat.DefaultChunkSize, "rows per batch")
	start    = flag.Int64("start", 0, "first row to emit")
	end      = flag.Int64("end", 0, "row to stop before (0 for end of data)")
	columns  = flag.String("columns", "", "comma-separated columns to emit (default all)")
	encoding = flag.String("encoding", "", "override the file's character encoding (IANA name)")
	format   = flag.String("f", "csv", "output format: csv or arrow")
	debug    = flag.Bool("debug", false, "log decoding progress to stderr")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sascat [flags] file.sas7bdat")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "sascat: %s\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	opts := []sas7bdat.Option{sas7bdat.WithChunkSize(*chunk)}
	if *columns != "" {
		opts = append(opts, sas7bdat.WithColumns(strings.Split(*columns, ",")...))
	}
	if *encoding != "" {
		opts = append(opts, sas7bdat.WithEncoding(*encoding))
	}
	if *debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		opts = append(opts, sas7bdat.WithLogger(logger))
	}
	r, err := sas7bdat.Open(path, opts...)
	if err != nil {
		return err
	}
	defer r.Close()
	if *start != 0 || *end != 0 {
		if err := r.SetRowRange(*start, *end); err != nil {
			return err
		}
	}
	switch *format {
	case "csv":
		return writeCSV(r)
	case "arrow":
		return writeArrow(r)
	default:
		return fmt.Errorf("unknown output format %q", *format)
	}
}

func writeArrow(r *sas7bdat.Reader) error {
	var w *ipc.Writer
	for {
		rec, err := r.NextBatch()
		if errors.Is(err, sas7bdat.ErrEndOfData) {
			break
		}
		if err != nil {
			return err
		}
		if w == nil {
			w = ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()))
			defer w.Close()
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(r *sas7bdat.Reader) error {
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()
	var wroteHeader bool
	for {
		rec, err := r.NextBatch()
		if errors.Is(err, sas7bdat.ErrEndOfData) {
			break
		}
		if err != nil {
			return err
		}
		if !wroteHeader {
			names := make([]string, rec.NumCols())
			for i, f := range rec.Schema().Fields() {
				names[i] = f.Name
			}
			if err := w.Write(names); err != nil {
				rec.Release()
				return err
			}
			wroteHeader = true
		}
		err = writeRecord(w, rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w *csv.Writer, rec arrow.Record) error {
	fields := make([]string, rec.NumCols())
	for row := 0; row < int(rec.NumRows()); row++ {
		for col := range fields {
			fields[col] = formatValue(rec.Column(col), row)
		}
		if err := w.Write(fields); err != nil {
			return err
		}
	}
	return nil
}

func formatValue(a arrow.Array, i int) string {
	if a.IsNull(i) {
		return ""
	}
	switch a := a.(type) {
	case *array.String:
		return a.Value(i)
	case *array.Int64:
		return strconv.FormatInt(a.Value(i), 10)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(i), 'g', -1, 64)
	case *array.Date32:
		return a.Value(i).ToTime().Format("2006-01-02")
	case *array.Timestamp:
		return a.Value(i).ToTime(arrow.Microsecond).Format("2006-01-02T15:04:05.999999")
	case *array.Time64:
		return a.Value(i).ToTime(arrow.Microsecond).Format("15:04:05.999999")
	default:
		return fmt.Sprint(a.GetOneForMarshal(i))
	}
}
