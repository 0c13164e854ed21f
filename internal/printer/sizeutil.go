package printer

import "fmt"

// sizeUnits are the scale steps for layer sizes, largest first.
var sizeUnits = []struct {
	name   string
	factor int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
}

// FormatBytes renders a layer payload size for humans, e.g. "512 B",
// "1.5 KB", "10.0 GB". Negative sizes render as zero.
func FormatBytes(size int64) string {
	if size < 0 {
		size = 0
	}
	for _, u := range sizeUnits {
		if size >= u.factor {
			return fmt.Sprintf("%.1f %s", float64(size)/float64(u.factor), u.name)
		}
	}
	return fmt.Sprintf("%d B", size)
}
