package printer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := map[string]struct {
		size int64
		exp  string
	}{
		"An empty layer renders as zero bytes.":            {size: 0, exp: "0 B"},
		"A negative size clamps to zero.":                  {size: -42, exp: "0 B"},
		"Sizes under a kilobyte stay in bytes.":            {size: 832, exp: "832 B"},
		"A kilobyte boundary switches unit.":               {size: 1 << 10, exp: "1.0 KB"},
		"Fractional kilobytes keep one decimal.":           {size: 1792, exp: "1.8 KB"},
		"Megabyte sized layers render in MB.":              {size: 3 << 20, exp: "3.0 MB"},
		"Large layers render in GB.":                       {size: 5 << 30, exp: "5.0 GB"},
		"Terabyte sized stores render in TB.":              {size: 2 << 40, exp: "2.0 TB"},
		"Just under the next unit stays on the lower one.": {size: (1 << 20) - 1, exp: "1024.0 KB"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, FormatBytes(test.size))
		})
	}
}
