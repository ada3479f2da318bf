package wire

import "fmt"

// Matrix 是机器人之间交换的稠密矩阵数据块（行优先存储）。
// 协调层把它当作不透明载荷转发，不解释其数值含义。
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// NewMatrix 创建 rows×cols 的零矩阵。
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// Identity returns the n×n identity matrix.
func Identity(n int) Matrix {
	m := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

// At 返回第 i 行第 j 列的元素。
func (m Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set 写入第 i 行第 j 列的元素。
func (m *Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// IsEmpty reports whether the matrix carries no data.
func (m Matrix) IsEmpty() bool {
	return m.Rows == 0 || m.Cols == 0 || len(m.Data) == 0
}

// Validate checks that the declared shape matches the payload.
func (m Matrix) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("matrix has negative shape %dx%d", m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("matrix shape %dx%d does not match %d data entries",
			m.Rows, m.Cols, len(m.Data))
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate without aliasing.
func (m Matrix) Clone() Matrix {
	out := Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float64, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}
