package analyze

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"deskagent/internal/storage"
)

// columnValues splits a raw column into parsed numbers and a missing
// count. A column is numeric when every present cell parses.
func columnValues(cells []string) (nums []float64, missing int, numeric bool) {
	numeric = true
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			missing++
			continue
		}
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			numeric = false
			continue
		}
		nums = append(nums, v)
	}
	if len(nums) == 0 {
		numeric = false
	}
	return nums, missing, numeric
}

func summarize(ds Dataset) map[string]storage.ColumnStats {
	out := make(map[string]storage.ColumnStats, len(ds.Columns))
	for _, col := range ds.Columns {
		cells, _ := ds.Column(col)
		nums, missing, numeric := columnValues(cells)

		cs := storage.ColumnStats{DType: "text", Missing: missing}
		if numeric {
			mn, mx := minMax(nums)
			me := mean(nums)
			md := median(nums)
			sd := stddev(nums, me)
			cs = storage.ColumnStats{
				DType: "numeric", Missing: missing,
				Min: &mn, Max: &mx, Mean: &me, Median: &md, StdDev: &sd,
			}
		}
		out[col] = cs
	}
	return out
}

// correlate builds a Pearson matrix over the numeric columns (or the
// requested subset). Pairs are aligned row-wise; rows with a missing
// or non-numeric value in either column are skipped.
func correlate(ds Dataset, columns []string) map[string]map[string]float64 {
	if len(columns) == 0 {
		for _, col := range ds.Columns {
			cells, _ := ds.Column(col)
			if _, _, numeric := columnValues(cells); numeric {
				columns = append(columns, col)
			}
		}
	}

	parsed := map[string][]*float64{}
	for _, col := range columns {
		cells, ok := ds.Column(col)
		if !ok {
			continue
		}
		vals := make([]*float64, len(cells))
		for i, c := range cells {
			if v, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
				vals[i] = &v
			}
		}
		parsed[col] = vals
	}

	matrix := map[string]map[string]float64{}
	for _, a := range columns {
		if parsed[a] == nil {
			continue
		}
		matrix[a] = map[string]float64{}
		for _, b := range columns {
			if parsed[b] == nil {
				continue
			}
			matrix[a][b] = pearson(parsed[a], parsed[b])
		}
	}
	return matrix
}

func pearson(xs, ys []*float64) float64 {
	var ax, ay []float64
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	for i := 0; i < n; i++ {
		if xs[i] == nil || ys[i] == nil {
			continue
		}
		ax = append(ax, *xs[i])
		ay = append(ay, *ys[i])
	}
	if len(ax) < 2 {
		return 0
	}

	mx, my := mean(ax), mean(ay)
	var cov, vx, vy float64
	for i := range ax {
		dx, dy := ax[i]-mx, ay[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

func minMax(v []float64) (float64, float64) {
	mn, mx := v[0], v[0]
	for _, x := range v[1:] {
		if x < mn {
			mn = x
		}
		if x > mx {
			mx = x
		}
	}
	return mn, mx
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func stddev(v []float64, m float64) float64 {
	if len(v) < 2 {
		return 0
	}
	var sum float64
	for _, x := range v {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)-1))
}
