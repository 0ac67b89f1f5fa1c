package scoring

import (
	"math"
	"sort"
	"strings"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

// Caps describes what the playing device copes with.
type Caps struct {
	AllowHi10P bool            // most browsers cannot decode 10-bit h264
	CodecAllow map[string]bool // e.g. {"h264":true,"hevc":true,"av1":false}
}

// BrowserCaps is what a <video> element decodes reliably.
var BrowserCaps = Caps{CodecAllow: map[string]bool{"h264": true, "hevc": true, "av1": true}}

type Params struct {
	WHealth, WQuality, WSize, WConsistency float64
}

var DefaultParams = Params{WHealth: 0.45, WQuality: 0.35, WSize: 0.15, WConsistency: 0.05}

var titleSeps = strings.NewReplacer(".", " ", "_", " ", "-", " ", "[", " ", "]", " ", "(", " ", ")", " ")

func HardReject(c types.Candidate, caps Caps) (string, bool) {
	title := " " + titleSeps.Replace(strings.ToLower(c.Title)) + " "
	for _, bad := range []string{" cam ", "hdcam", " ts ", "telesync", "telecine", " tc "} {
		if strings.Contains(title, bad) {
			return "bad_source", true
		}
	}
	codec := strings.ToLower(c.Codec)
	if !caps.CodecAllow[codec] && codec != "hi10p" {
		return "unsupported_codec", true
	}
	if codec == "hi10p" && !caps.AllowHi10P {
		return "hi10p_unfriendly", true
	}
	return "", false
}

func logNormSeeders(s int) float64 {
	if s <= 0 {
		return 0
	}
	v := math.Log1p(float64(s)) / math.Log1p(1000.0)
	if v > 1 {
		v = 1
	}
	return v
}

func qualityFit(c types.Candidate, caps Caps) float64 {
	src := map[string]float64{"web-dl": 1.0, "webrip": 0.85, "hdtv": 0.7, "bluray": 0.9}
	base := src[strings.ToLower(c.Source)]
	if base == 0 {
		base = 0.7
	}

	res := map[string]float64{"2160p": 1.0, "1080p": 0.95, "720p": 0.8, "480p": 0.5}
	rw := res[strings.ToLower(c.Resolution)]
	if rw == 0 {
		rw = 0.6
	}

	codec := strings.ToLower(c.Codec)
	var cw float64
	switch codec {
	case "av1":
		cw = 1.0
	case "hevc", "x265":
		cw = 0.95
	case "h264", "x264":
		cw = 0.85
	case "hi10p":
		cw = 0.6
	default:
		cw = 0.7
	}
	if !caps.CodecAllow[codec] {
		cw = 0
	}

	return 0.5*base + 0.3*rw + 0.2*cw
}

// sizeSanity scores MB per minute of runtime; unknown size or runtime is neutral.
func sizeSanity(c types.Candidate, runtimeMin float64) float64 {
	if c.SizeBytes <= 0 || runtimeMin <= 0 {
		return 0.5
	}
	mbpm := float64(c.SizeBytes) / (1024 * 1024) / runtimeMin
	switch {
	case mbpm < 3:
		return 0.4
	case mbpm < 8:
		return 0.8
	case mbpm < 14:
		return 1.0
	case mbpm < 20:
		return 0.7
	default:
		return 0.4
	}
}

func consistency(c types.Candidate, preferGroup string) float64 {
	if preferGroup == "" {
		return 0.5
	}
	if strings.EqualFold(c.ReleaseGroup, preferGroup) {
		return 1.0
	}
	return 0.5
}

func Score(c types.Candidate, caps Caps, runtimeMin float64, preferGroup string, p Params) types.ScoreBreakdown {
	if why, reject := HardReject(c, caps); reject {
		return types.ScoreBreakdown{HardReject: why, Total: -1}
	}
	sb := types.ScoreBreakdown{}
	sb.Health = logNormSeeders(c.Seeders)
	sb.Quality = qualityFit(c, caps)
	sb.Size = sizeSanity(c, runtimeMin)
	sb.Consistency = consistency(c, preferGroup)
	sb.Total = p.WHealth*sb.Health + p.WQuality*sb.Quality + p.WSize*sb.Size + p.WConsistency*sb.Consistency
	return sb
}

type Ranked struct {
	Candidate types.Candidate
	Score     types.ScoreBreakdown
}

// Rank scores every candidate, drops hard rejects and returns the rest best
// first. Equal totals keep more seeders first.
func Rank(cands []types.Candidate, caps Caps, runtimeMin float64, preferGroup string, p Params) []Ranked {
	out := make([]Ranked, 0, len(cands))
	for _, c := range cands {
		sb := Score(c, caps, runtimeMin, preferGroup, p)
		if sb.HardReject != "" {
			continue
		}
		out = append(out, Ranked{Candidate: c, Score: sb})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		return out[i].Candidate.Seeders > out[j].Candidate.Seeders
	})
	return out
}
