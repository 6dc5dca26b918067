package simnet

import (
	"fmt"
	"io"
	"strings"
)

// PrintHeader writes the "step" column followed by the metrics column
// names, tab-separated, as the stream's one-time first line.
func PrintHeader(w io.Writer, headers []string) {
	fmt.Fprintln(w, strings.Join(append([]string{"step"}, headers...), "\t"))
}

// PrintMetricsRow writes one tab-separated row: the logical step followed
// by values. Called for step 0 and after every Step.
func PrintMetricsRow(w io.Writer, step uint64, values []string) {
	row := make([]string, 0, len(values)+1)
	row = append(row, fmt.Sprintf("%d", step))
	row = append(row, values...)
	fmt.Fprintln(w, strings.Join(row, "\t"))
}
