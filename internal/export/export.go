// Package export serializes query results as Arrow IPC so downstream
// analysis tooling can consume them without parsing JSON.
package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-probe/internal/search"
)

// Schema returns the record layout for exported results: one row per
// ranked example, the activation column holding the queried feature's
// values across sequence positions.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "file", Type: arrow.BinaryTypes.String},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
		{Name: "activation", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// WriteResults streams one record of ranked results to w in the Arrow
// IPC stream format.
func WriteResults(w io.Writer, results []search.Result) error {
	mem := memory.NewGoAllocator()
	schema := Schema()

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	fileB := b.Field(0).(*array.StringBuilder)
	scoreB := b.Field(1).(*array.Float32Builder)
	actB := b.Field(2).(*array.ListBuilder)
	valB := actB.ValueBuilder().(*array.Float32Builder)

	for _, r := range results {
		fileB.Append(r.File)
		scoreB.Append(r.Score)
		actB.Append(true)
		valB.AppendValues(r.Activation.Data, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write result record: %w", err)
	}
	return wr.Close()
}

// ReadResults decodes a stream written by WriteResults; the inverse is
// used by tests and by local analysis scripts.
func ReadResults(r io.Reader) ([]string, []float32, [][]float32, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open result stream: %w", err)
	}
	defer rd.Release()

	var files []string
	var scores []float32
	var acts [][]float32
	for rd.Next() {
		rec := rd.Record()
		fileCol := rec.Column(0).(*array.String)
		scoreCol := rec.Column(1).(*array.Float32)
		actCol := rec.Column(2).(*array.List)
		vals := actCol.ListValues().(*array.Float32)
		for i := 0; i < int(rec.NumRows()); i++ {
			files = append(files, fileCol.Value(i))
			scores = append(scores, scoreCol.Value(i))
			start, end := actCol.ValueOffsets(i)
			row := make([]float32, end-start)
			copy(row, vals.Float32Values()[start:end])
			acts = append(acts, row)
		}
	}
	if err := rd.Err(); err != nil && err != io.EOF {
		return nil, nil, nil, err
	}
	return files, scores, acts, nil
}
