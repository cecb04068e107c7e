package storage

// Batch is an ordered set of rows bound for a single table. Columns fixes
// the insert column order; rows are keyed by column name and a row may omit
// a column, which inserts as NULL.
type Batch struct {
	Columns []string
	Rows    []map[string]any
}

// NewBatch returns an empty batch with the given column order.
func NewBatch(columns ...string) Batch {
	return Batch{Columns: columns}
}

// Append adds a single row to the batch.
func (b *Batch) Append(row map[string]any) {
	b.Rows = append(b.Rows, row)
}

// Len reports the number of rows in the batch.
func (b Batch) Len() int {
	return len(b.Rows)
}

// Empty reports whether the batch holds no rows.
func (b Batch) Empty() bool {
	return len(b.Rows) == 0
}

// Values flattens row i into positional arguments following the batch
// column order. Missing columns yield nil.
func (b Batch) Values(i int) []any {
	values := make([]any, len(b.Columns))
	for j, column := range b.Columns {
		values[j] = b.Rows[i][column]
	}

	return values
}
