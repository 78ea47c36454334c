package parse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lox/quakeassoc/internal/models"
)

const (
	gpickFields = 20
	ccFields    = 16
)

// GPick parses a space delimited global pick line.
//
//	author id version sta cha net loc YYYYMMDDhhmmss.sss phase ? polarity onset picker hp lp backazimuth slowness snr amplitude period
//
// Optional numeric columns that fail to parse are ignored.
func GPick(line string) (models.Pick, error) {
	f := strings.Fields(line)
	if len(f) < gpickFields {
		return models.Pick{}, fmt.Errorf("%w: gpick has %d fields, want %d", ErrInvalid, len(f), gpickFields)
	}
	t, err := time.Parse("20060102150405", f[7])
	if err != nil {
		return models.Pick{}, fmt.Errorf("%w: gpick time %q: %v", ErrInvalid, f[7], err)
	}

	p := models.Pick{
		ID:          f[1],
		SCNL:        models.MakeSCNL(f[3], f[4], f[5], f[6]),
		Time:        models.TimeToEpoch(t),
		Phase:       f[8],
		BackAzimuth: -1,
		Slowness:    -1,
		Source:      f[0],
		CreatedAt:   time.Now().UTC(),
	}
	if p.ID == "" {
		p.ID = idOrNew("")
	}

	baz, errB := strconv.ParseFloat(f[15], 64)
	slow, errS := strconv.ParseFloat(f[16], 64)
	if errB == nil && errS == nil && slow > 0 {
		p.BackAzimuth = baz
		p.Slowness = slow
	}
	return p, nil
}

// CC parses a cross-correlation detection line.
//
//	YYYY/MM/DD hh:mm:ss.sss lat lon depth mag magtype net sta cha loc phase YYYY/MM/DD hh:mm:ss.sss correlation threshold
func CC(line string) (models.Correlation, error) {
	f := strings.Fields(line)
	if len(f) != ccFields {
		return models.Correlation{}, fmt.Errorf("%w: cc has %d fields, want %d", ErrInvalid, len(f), ccFields)
	}
	ot, err := parseCCTime(f[0], f[1])
	if err != nil {
		return models.Correlation{}, err
	}
	nums := make([]float64, 3)
	for i, idx := range []int{2, 3, 4} {
		v, err := strconv.ParseFloat(f[idx], 64)
		if err != nil {
			return models.Correlation{}, fmt.Errorf("%w: cc field %d: %v", ErrInvalid, idx, err)
		}
		nums[i] = v
	}
	at, err := parseCCTime(f[12], f[13])
	if err != nil {
		return models.Correlation{}, err
	}
	corr, err := strconv.ParseFloat(f[14], 64)
	if err != nil {
		return models.Correlation{}, fmt.Errorf("%w: cc correlation: %v", ErrInvalid, err)
	}

	return models.Correlation{
		ID:          idOrNew(""),
		SCNL:        models.MakeSCNL(f[8], f[9], f[7], f[10]),
		Time:        at,
		Phase:       f[11],
		Correlation: corr,
		Latitude:    nums[0],
		Longitude:   nums[1],
		Depth:       nums[2],
		OriginTime:  ot,
		Source:      "cc",
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func parseCCTime(date, clock string) (float64, error) {
	t, err := time.Parse("2006/01/02 15:04:05", date+" "+clock)
	if err != nil {
		return 0, fmt.Errorf("%w: cc time %q: %v", ErrInvalid, date+" "+clock, err)
	}
	return models.TimeToEpoch(t), nil
}

// Line decodes one input line in the given format: json, gpick, cc or auto.
func Line(format, line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, fmt.Errorf("%w: empty input", ErrInvalid)
	}
	if format == "" || format == "auto" {
		format = detectFormat(line)
	}
	switch format {
	case "json":
		return JSON([]byte(line))
	case "gpick":
		p, err := GPick(line)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindPick, Pick: &p}, nil
	case "cc":
		c, err := CC(line)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindCorrelation, Correlation: &c}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
}

func detectFormat(line string) string {
	if strings.HasPrefix(line, "{") {
		return "json"
	}
	n := len(strings.Fields(line))
	if n == ccFields && strings.Contains(line, "/") {
		return "cc"
	}
	return "gpick"
}
