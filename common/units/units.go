// Package units converts the memory and time strings found in configuration
// and resource requests into canonical integer units.
//
// Memory is canonicalized to kB (1024 bytes). A bare integer is taken as kB,
// otherwise a number is followed by one of k, m, g, t with an optional trailing b,
// in either case ("4GB", "512m", "2.5g").
//
// Time is canonicalized to seconds. Accepted forms are a bare integer (seconds),
// a number with a unit suffix s, m, h or d ("90m", "1.5h", "2d"), and the batch
// system forms "MM:SS", "HH:MM:SS" and "D-HH:MM:SS".
package units

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	memRe  = regexp.MustCompile(`^\s*([0-9]*\.?[0-9]+)\s*([kmgtKMGT]?)[bB]?\s*$`)
	timeRe = regexp.MustCompile(`^\s*([0-9]*\.?[0-9]+)\s*([smhdSMHD]?)\s*$`)
	hmsRe  = regexp.MustCompile(`^\s*(?:(\d+)-)?(?:(\d+):)?(\d+):(\d+)\s*$`)
)

var memScale = map[string]float64{
	"":  1,
	"k": 1,
	"m": 1024,
	"g": 1024 * 1024,
	"t": 1024 * 1024 * 1024,
}

var timeScale = map[string]float64{
	"":  1,
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
}

// MemToKB converts a memory spec to kB, rounding up to a whole kB.
func MemToKB(spec string) (int64, error) {
	m := memRe.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("invalid memory spec %q", spec)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory spec %q: %v", spec, err)
	}
	// a bare integer is already kB
	if m[2] == "" && strings.ContainsAny(spec, "bB") {
		return 0, fmt.Errorf("invalid memory spec %q: bytes need a k, m, g or t prefix", spec)
	}
	return toInt64(math.Ceil(v*memScale[strings.ToLower(m[2])]), "memory", spec)
}

// TimeToSec converts a time spec to seconds, rounding up to a whole second.
func TimeToSec(spec string) (int64, error) {
	if m := hmsRe.FindStringSubmatch(spec); m != nil {
		var total int64
		for i, scale := range []int64{86400, 3600, 60, 1} {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.ParseInt(m[i+1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid time spec %q: %v", spec, err)
			}
			if n > (math.MaxInt64-total)/scale {
				return 0, fmt.Errorf("time spec %q is out of range", spec)
			}
			total += n * scale
		}
		return total, nil
	}

	m := timeRe.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("invalid time spec %q", spec)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time spec %q: %v", spec, err)
	}
	return toInt64(math.Ceil(v*timeScale[strings.ToLower(m[2])]), "time", spec)
}

// toInt64 rejects values an int64 cannot hold instead of letting the
// conversion wrap.
func toInt64(v float64, kind, spec string) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v >= math.MaxInt64 {
		return 0, fmt.Errorf("%s spec %q is out of range", kind, spec)
	}
	return int64(v), nil
}

// SecToHMS formats seconds as HH:MM:SS, the wall-time form every supported
// batch system accepts. Hours are not wrapped into days.
func SecToHMS(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

// KBToSpec renders kB with the largest unit that divides it exactly, e.g. 4194304 -> "4g".
func KBToSpec(kb int64) string {
	for _, u := range []string{"t", "g", "m"} {
		scale := int64(memScale[u])
		if kb >= scale && kb%scale == 0 {
			return fmt.Sprintf("%d%s", kb/scale, u)
		}
	}
	return fmt.Sprintf("%dk", kb)
}
