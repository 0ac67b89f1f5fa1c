package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

func TestHardReject(t *testing.T) {
	why, rej := HardReject(types.Candidate{Title: "Movie 2021 HDCAM x264", Codec: "h264"}, BrowserCaps)
	assert.True(t, rej)
	assert.Equal(t, "bad_source", why)

	why, rej = HardReject(types.Candidate{Title: "Movie 2021 1080p", Codec: "mpeg2"}, BrowserCaps)
	assert.True(t, rej)
	assert.Equal(t, "unsupported_codec", why)

	why, rej = HardReject(types.Candidate{Title: "Show S01E01 Hi10P", Codec: "hi10p"}, BrowserCaps)
	assert.True(t, rej)
	assert.Equal(t, "hi10p_unfriendly", why)

	_, rej = HardReject(types.Candidate{Title: "Movie.2021.1080p.WEB-DL.x264-GRP", Codec: "h264"}, BrowserCaps)
	assert.False(t, rej)
}

func TestLogNormSeeders(t *testing.T) {
	assert.Equal(t, 0.0, logNormSeeders(0))
	assert.Equal(t, 1.0, logNormSeeders(5000))
	assert.Less(t, logNormSeeders(10), logNormSeeders(100))
}

func TestSizeSanity(t *testing.T) {
	assert.Equal(t, 0.5, sizeSanity(types.Candidate{}, 120))
	// 1.2 GiB over 120 min is ~10 MB/min
	assert.Equal(t, 1.0, sizeSanity(types.Candidate{SizeBytes: 1200 << 20}, 120))
	assert.Equal(t, 0.4, sizeSanity(types.Candidate{SizeBytes: 100 << 20}, 120))
}

func TestRank(t *testing.T) {
	cands := []types.Candidate{
		{Title: "Movie 2021 CAM", Codec: "h264", Seeders: 5000},
		{Title: "Movie 2021 720p HDTV", Resolution: "720p", Source: "HDTV", Codec: "h264", Seeders: 40},
		{Title: "Movie 2021 1080p WEB-DL", Resolution: "1080p", Source: "WEB-DL", Codec: "h264", Seeders: 400, ReleaseGroup: "GRP"},
	}
	ranked := Rank(cands, BrowserCaps, 0, "GRP", DefaultParams)
	require.Len(t, ranked, 2)
	assert.Equal(t, "Movie 2021 1080p WEB-DL", ranked[0].Candidate.Title)
	assert.Greater(t, ranked[0].Score.Total, ranked[1].Score.Total)
	assert.Equal(t, 1.0, ranked[0].Score.Consistency)
}
