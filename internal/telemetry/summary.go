package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

// Row is one parsed line of a telemetry file.
type Row struct {
	Relative float64
	Abs      float64
	Values   [7]float64
}

// ReadCSV parses a file written by Write.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(Header, ",") {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(header, ","))
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row Row
		fields := make([]float64, len(rec))
		for i, s := range rec {
			fields[i], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, Header[i], err)
			}
		}
		row.Relative = fields[0]
		row.Abs = fields[1]
		copy(row.Values[:], fields[2:])
		rows = append(rows, row)
	}
	return rows, nil
}

// Summary describes the sampling quality of one telemetry file.
type Summary struct {
	Samples    int
	Duration   float64 // seconds between first and last sample
	FirstAt    float64 // relative time of the first sample
	MeanPeriod float64
	StdPeriod  float64
	P95Period  float64
	MaxPeriod  float64
	Rate       float64 // samples per second
	TravelZ    float64 // max Z minus min Z, mm
	GripperMin float64
	GripperMax float64
}

// Summarize computes sampling statistics; periods are in seconds.
func Summarize(rows []Row) (Summary, error) {
	sum := Summary{Samples: len(rows)}
	if len(rows) == 0 {
		return sum, nil
	}

	sum.FirstAt = rows[0].Relative
	sum.Duration = rows[len(rows)-1].Relative - rows[0].Relative

	z := make(stats.Float64Data, len(rows))
	grip := make(stats.Float64Data, len(rows))
	for i, r := range rows {
		z[i] = r.Values[2]
		grip[i] = r.Values[6]
	}

	zMin, err := z.Min()
	if err != nil {
		return sum, err
	}
	zMax, err := z.Max()
	if err != nil {
		return sum, err
	}
	sum.TravelZ = zMax - zMin
	if sum.GripperMin, err = grip.Min(); err != nil {
		return sum, err
	}
	if sum.GripperMax, err = grip.Max(); err != nil {
		return sum, err
	}

	if len(rows) < 2 {
		return sum, nil
	}

	periods := make(stats.Float64Data, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		periods = append(periods, rows[i].Relative-rows[i-1].Relative)
	}
	if sum.MeanPeriod, err = periods.Mean(); err != nil {
		return sum, err
	}
	if sum.StdPeriod, err = periods.StandardDeviation(); err != nil {
		return sum, err
	}
	if sum.P95Period, err = periods.Percentile(95); err != nil {
		return sum, err
	}
	if sum.MaxPeriod, err = periods.Max(); err != nil {
		return sum, err
	}
	if sum.Duration > 0 {
		sum.Rate = float64(len(rows)-1) / sum.Duration
	}
	return sum, nil
}
