package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Header is the column layout of a telemetry file.
var Header = []string{"Relative_Time", "Abs_Time", "X", "Y", "Z", "Rx", "Ry", "Rz", "Gripper"}

// CSVSuffix is appended to a trial prefix to name its telemetry file.
const CSVSuffix = "_Robot.csv"

// Write serializes samples as CSV. Both time columns have four decimals;
// Relative_Time is the sample time minus origin in seconds.
func Write(w io.Writer, samples []Sample, origin time.Time) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}

	originSec := unixSeconds(origin)
	row := make([]string, len(Header))
	for _, s := range samples {
		abs := s.AbsSeconds()
		row[0] = strconv.FormatFloat(abs-originSec, 'f', 4, 64)
		row[1] = strconv.FormatFloat(abs, 'f', 4, 64)
		for i, v := range s.Values {
			row[2+i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteCSV writes samples to path. No file is created for an empty buffer,
// in which case it returns false.
func WriteCSV(path string, samples []Sample, origin time.Time) (bool, error) {
	if len(samples) == 0 {
		return false, nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := Write(f, samples, origin); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", path, err)
	}
	return true, nil
}
