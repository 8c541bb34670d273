// Package parser turns one line of tegrastats-style telemetry text into
// a structured Snapshot. The format is vendor-specific and varies per
// SKU and driver release, so parsing is tolerant by construction: every
// token is classified independently, unrecognized tokens are skipped and
// reported as diagnostics, and field order is never assumed.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	dateRe = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)
	timeRe = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)

	memValRe    = regexp.MustCompile(`^(\d+)/(\d+)([kKmM])B$`)
	ramLFBRe    = regexp.MustCompile(`^\(lfb (\d+)x(\d+)([kKmM])B\)$`)
	swapCacheRe = regexp.MustCompile(`^\(cached (\d+)([kKmM])B\)$`)
	iramLFBRe   = regexp.MustCompile(`^\(lfb (\d+)([kKmM])B\)$`)

	coreRe    = regexp.MustCompile(`^(\d+)%(?:@(\d+))?$`)
	tempRe    = regexp.MustCompile(`^(\w+)@(-?[0-9.]+)C$`)
	keyRe     = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	railKeyRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	railValRe = regexp.MustCompile(`^[0-9.]+[mkMK]?W?/[0-9.]+[mkMK]?W?$`)
	pctValRe  = regexp.MustCompile(`^(\d+)%(?:@(\[\d+\]|\d+))?$`)
	rawValRe  = regexp.MustCompile(`^\d+$`)
	pctOnlyRe = regexp.MustCompile(`^(\d+)%$`)
)

// Keys that belong to dedicated snapshot fields and must never turn
// into engine entries, whatever shape their value takes.
var reservedKeys = map[string]bool{
	"RAM": true, "SWAP": true, "IRAM": true, "CPU": true, "MTS": true,
}

// Parse parses one telemetry line. It never fails: anything it cannot
// classify is simply dropped.
func Parse(line string) *Snapshot {
	snap, _ := ParseDiag(line)
	return snap
}

// ParseDiag parses one telemetry line and additionally returns the raw
// tokens that matched no known field, for diagnostics.
func ParseDiag(line string) (*Snapshot, []string) {
	snap := &Snapshot{
		Engines: make(map[string]EngineStat),
		Temps:   make(map[string]float64),
		Power:   make(map[string]PowerRail),
	}
	tokens := tokenize(strings.TrimSpace(line))
	var unknown []string

	// Pending _UTIL percentages, folded into their base engine once the
	// whole line has been scanned so that a directly reported usage
	// always wins regardless of token order.
	utilPending := make(map[string]uint32)

	i := 0
	if len(tokens) >= 2 && dateRe.MatchString(tokens[0]) && timeRe.MatchString(tokens[1]) {
		snap.Timestamp = tokens[0] + " " + tokens[1]
		i = 2
	}

	for i < len(tokens) {
		tok := tokens[i]
		next := ""
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}

		// tegrastats sometimes glues the lfb group to the value, as in
		// "IRAM 0/255kB(lfb 252kB)". Split it off before matching.
		val, inline := splitInline(next)

		switch {
		case tok == "RAM" && memValRe.MatchString(val):
			m := memValRe.FindStringSubmatch(val)
			unit := sizeUnit(m[3])
			stat := &MemoryStat{
				UsedBytes:  parseU64(m[1]) * unit,
				TotalBytes: parseU64(m[2]) * unit,
			}
			i += 2
			group := inline
			if group == "" && i < len(tokens) && strings.HasPrefix(tokens[i], "(") {
				group = tokens[i]
				i++
			}
			if g := ramLFBRe.FindStringSubmatch(group); g != nil {
				stat.LargestFreeBlock = &LargestFreeBlock{
					Count:     parseU64(g[1]),
					SizeBytes: parseU64(g[2]) * sizeUnit(g[3]),
				}
			}
			snap.RAM = stat

		case tok == "SWAP" && memValRe.MatchString(val):
			m := memValRe.FindStringSubmatch(val)
			unit := sizeUnit(m[3])
			stat := &SwapStat{
				UsedBytes:  parseU64(m[1]) * unit,
				TotalBytes: parseU64(m[2]) * unit,
			}
			i += 2
			group := inline
			if group == "" && i < len(tokens) && strings.HasPrefix(tokens[i], "(") {
				group = tokens[i]
				i++
			}
			if g := swapCacheRe.FindStringSubmatch(group); g != nil {
				cached := parseU64(g[1]) * sizeUnit(g[2])
				stat.CachedBytes = &cached
			}
			snap.Swap = stat

		case tok == "IRAM" && memValRe.MatchString(val):
			m := memValRe.FindStringSubmatch(val)
			unit := sizeUnit(m[3])
			stat := &IRAMStat{
				UsedBytes:  parseU64(m[1]) * unit,
				TotalBytes: parseU64(m[2]) * unit,
			}
			i += 2
			group := inline
			if group == "" && i < len(tokens) && strings.HasPrefix(tokens[i], "(") {
				group = tokens[i]
				i++
			}
			if g := iramLFBRe.FindStringSubmatch(group); g != nil {
				lfb := parseU64(g[1]) * sizeUnit(g[2])
				stat.LFBBytes = &lfb
			}
			snap.IRAM = stat

		case tok == "CPU" && strings.HasPrefix(next, "[") && strings.HasSuffix(next, "]"):
			snap.CPUs = parseCores(strings.Trim(next, "[]"))
			i += 2

		case tok == "MTS" && i+4 < len(tokens) && tokens[i+1] == "fg" && tokens[i+3] == "bg":
			fg := pctOnlyRe.FindStringSubmatch(tokens[i+2])
			bg := pctOnlyRe.FindStringSubmatch(tokens[i+4])
			if fg != nil && bg != nil {
				snap.MTS = &MTSStat{
					ForegroundPercent: u32(parseU64(fg[1])),
					BackgroundPercent: u32(parseU64(bg[1])),
				}
				i += 5
			} else {
				unknown = append(unknown, tok)
				i++
			}

		case tempRe.MatchString(tok):
			m := tempRe.FindStringSubmatch(tok)
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				snap.Temps[m[1]] = v
			}
			i++

		case railKeyRe.MatchString(tok) && railValRe.MatchString(next) && !reservedKeys[tok]:
			cur, curOK := parseMilliwatts(strings.SplitN(next, "/", 2)[0])
			avg, avgOK := parseMilliwatts(strings.SplitN(next, "/", 2)[1])
			if curOK && avgOK {
				snap.Power[tok] = PowerRail{CurrentMW: cur, AverageMW: avg}
			}
			i += 2

		case keyRe.MatchString(tok) && (next == "off" || pctValRe.MatchString(next) || rawValRe.MatchString(next)):
			name := strings.TrimSuffix(tok, "_FREQ")
			if reservedKeys[name] {
				i += 2
				continue
			}
			if base, isUtil := strings.CutSuffix(name, "_UTIL"); isUtil {
				if m := pctValRe.FindStringSubmatch(next); m != nil && m[2] == "" {
					if u := parseU32(m[1]); u != nil {
						utilPending[base] = *u
					}
				}
				i += 2
				continue
			}
			if _, seen := snap.Engines[name]; !seen {
				snap.Engines[name] = parseEngineValue(next)
			}
			i += 2

		default:
			unknown = append(unknown, tok)
			i++
		}
	}

	for base, usage := range utilPending {
		eng := snap.Engines[base]
		if eng.UsagePercent == nil {
			u := usage
			eng.UsagePercent = &u
		}
		if eng.Enabled == nil {
			t := true
			eng.Enabled = &t
		}
		snap.Engines[base] = eng
	}

	return snap, unknown
}

// tokenize splits on whitespace but keeps "(...)" and "[...]" groups
// joined to a single token, so "(lfb 5392x4MB)" and the CPU core list
// survive as units.
func tokenize(line string) []string {
	raw := strings.Fields(line)
	var tokens []string
	for i := 0; i < len(raw); i++ {
		tok := raw[i]
		for unbalanced(tok) && i+1 < len(raw) {
			i++
			tok += " " + raw[i]
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// splitInline separates a glued "(...)" group from the value ahead of
// it, returning the value and the group ("" when there is none).
func splitInline(tok string) (string, string) {
	if i := strings.Index(tok, "("); i > 0 {
		return tok[:i], tok[i:]
	}
	return tok, ""
}

func unbalanced(tok string) bool {
	return strings.Count(tok, "(") > strings.Count(tok, ")") ||
		strings.Count(tok, "[") > strings.Count(tok, "]")
}

func parseCores(list string) []CPUCore {
	var cores []CPUCore
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		var core CPUCore
		if m := coreRe.FindStringSubmatch(field); m != nil {
			core.LoadPercent = parseU32(m[1])
			if m[2] != "" {
				core.FreqMHz = parseU32(m[2])
			}
		}
		// "off" and anything unreadable leave both fields absent.
		cores = append(cores, core)
	}
	return cores
}

func parseEngineValue(val string) EngineStat {
	if val == "off" {
		zero := uint32(0)
		off := false
		return EngineStat{UsagePercent: &zero, Enabled: &off}
	}
	on := true
	if m := pctValRe.FindStringSubmatch(val); m != nil {
		stat := EngineStat{Enabled: &on}
		stat.UsagePercent = parseU32(m[1])
		if m[2] != "" {
			stat.FreqMHz = parseU32(strings.Trim(m[2], "[]"))
		}
		return stat
	}
	// Bare counter: some SKUs print a raw clock for engines like APE or
	// NVENC. Keep it in both the frequency and raw slots, matching how
	// downstream consumers have historically read it.
	return EngineStat{FreqMHz: parseU32(val), RawValue: parseU32(val), Enabled: &on}
}

// parseMilliwatts normalizes one side of a power rail value. Bare and
// "m"-suffixed numbers are milliwatts already; "k" and fractional "W"
// readings scale up by 1000.
func parseMilliwatts(s string) (uint32, bool) {
	unit := ""
	if strings.HasSuffix(s, "W") {
		s = strings.TrimSuffix(s, "W")
		unit = "W"
	}
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'm', 'M':
			s = s[:n-1]
			unit = "m"
		case 'k', 'K':
			s = s[:n-1]
			unit = "k"
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	switch unit {
	case "k", "W":
		return uint32(v * 1000), true
	default:
		return uint32(v), true
	}
}

func sizeUnit(suffix string) uint64 {
	switch suffix {
	case "k", "K":
		return 1024
	default:
		return 1024 * 1024
	}
}

func parseU64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// parseU32 returns nil on failure so an unparseable number shows up as
// an absent field rather than a zero.
func parseU32(s string) *uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil
	}
	u := uint32(v)
	return &u
}

func u32(v uint64) uint32 {
	return uint32(v)
}
