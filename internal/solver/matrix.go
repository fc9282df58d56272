package solver

// Matrix is the immutable travel-time grid. Matrix[i][j] is the integer
// travel duration from node i to node j; it need not be symmetric.
type Matrix [][]int64

func (m Matrix) Size() int { return len(m) }

func (m Matrix) At(from, to int) int64 { return m[from][to] }

func (m Matrix) validate() error {
	if len(m) == 0 {
		return invalidf("time_matrix must not be empty")
	}
	for i, row := range m {
		if len(row) != len(m) {
			return invalidf("time_matrix must be square: row %d has %d entries, want %d", i, len(row), len(m))
		}
		for j, v := range row {
			if v < 0 {
				return invalidf("time_matrix[%d][%d] must be non-negative", i, j)
			}
		}
		if row[i] != 0 {
			return invalidf("time_matrix[%d][%d] must be zero on the diagonal", i, i)
		}
	}
	return nil
}
