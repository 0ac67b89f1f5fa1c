package player

import (
	"regexp"
	"strings"

	"github.com/belchote2025/stream-sub005/internal/torrentx"
)

type SourceKind string

const (
	KindAuto    SourceKind = ""
	KindLocal   SourceKind = "local"
	KindRemote  SourceKind = "remote"
	KindYouTube SourceKind = "youtube"
	KindTorrent SourceKind = "torrent"
)

func ParseKind(s string) (SourceKind, bool) {
	switch k := SourceKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAuto, KindLocal, KindRemote, KindYouTube, KindTorrent:
		return k, true
	case "html5", "video", "file":
		return KindLocal, true
	case "url":
		return KindRemote, true
	case "webtorrent", "magnet":
		return KindTorrent, true
	}
	return KindAuto, false
}

var (
	youtubeURL = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.|m\.|music\.)?(?:youtube\.com/(?:watch\?(?:[^#]*&)?v=|embed/|shorts/|v/)|youtube-nocookie\.com/embed/|youtu\.be/)([A-Za-z0-9_-]{11})(?:[?&#/].*)?$`)
	youtubeID  = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
)

// Classify derives the source kind from the reference alone. origin is the
// page's own origin (scheme://host[:port]); references under it are local.
func Classify(ref, origin string) SourceKind {
	ref = strings.TrimSpace(ref)
	if _, ok := ExtractYouTubeID(ref); ok {
		return KindYouTube
	}
	if torrentx.IsTorrentRef(ref) {
		return KindTorrent
	}
	if strings.HasPrefix(ref, "/") || !strings.Contains(ref, "://") {
		return KindLocal
	}
	if origin != "" && underOrigin(ref, strings.TrimRight(origin, "/")) {
		return KindLocal
	}
	return KindRemote
}

func underOrigin(ref, base string) bool {
	if !strings.HasPrefix(ref, base) {
		return false
	}
	rest := ref[len(base):]
	return rest == "" || strings.ContainsRune("/?#", rune(rest[0]))
}

// ExtractYouTubeID accepts watch?v=, youtu.be/, embed/ and shorts/ URLs and bare ids.
func ExtractYouTubeID(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if youtubeID.MatchString(ref) {
		return ref, true
	}
	if m := youtubeURL.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	return "", false
}
