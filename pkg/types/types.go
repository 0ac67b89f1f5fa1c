package types

// SearchResult is one catalogue hit returned by an addon.
type SearchResult struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Year     int            `json:"year,omitempty"`
	Type     string         `json:"type,omitempty"` // movie|series|episode
	Poster   string         `json:"poster,omitempty"`
	Overview string         `json:"overview,omitempty"`
	Addon    string         `json:"addon,omitempty"` // filled in by the registry
	Extra    map[string]any `json:"extra,omitempty"`
}

// Stream is a playable reference resolved by an addon. Ref goes straight to
// the player; Kind is a hint and may be empty.
type Stream struct {
	Name     string  `json:"name"`
	Ref      string  `json:"ref"`
	Kind     string  `json:"kind,omitempty"` // local|remote|youtube|torrent
	Quality  string  `json:"quality,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Seeders  int     `json:"seeders,omitempty"`
	InfoHash string  `json:"infoHash,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Addon    string  `json:"addon,omitempty"`
}

type Candidate struct {
	InfoHash      string
	Magnet        string
	Title         string
	ReleaseGroup  string
	Resolution    string // "2160p","1080p","720p","480p"
	Codec         string // "h264","hevc","av1","hi10p",...
	Source        string // "WEB-DL","WEBRip","HDTV","BluRay",...
	Seeders       int
	Leechers      int
	SizeBytes     int64
	SourceKind    string // "single"|"season_pack"
	ParsedSeason  int
	ParsedEpisode int
}

type ScoreBreakdown struct {
	Health, Quality, Size, Consistency float64
	HardReject                         string
	Total                              float64
}
