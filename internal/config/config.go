package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	listenAddr   = ":4001"
	pgDSN        = ""
	publicOrigin = ""

	// playback
	mediaRoot          = "./media"
	dataRoot           = "./vod-cache"
	trackersMode       = "udp" // all|http|udp|none
	waitMetadata       = 25 * time.Second
	remoteProbe        = true
	remoteProbeTimeout = 10 * time.Second
	youtubeVerifyEmbed = false
	targetPlaySec      int64 = 90
	targetPauseSec     int64 = 360
	sessionStaleAfter  = 30 * time.Minute

	// cache
	cacheMaxBytes int64
	evictTTL      time.Duration

	// addons
	addonsDir     = "./addons"
	addonsWatch   = false
	indexerURL    = ""
	indexerAPIKey = ""

	// logging
	logFilePath   = "debug.log"
	logLevel      = "info"
	logAllowRegex = ""
	logDenyRegex  = `FlushFileBuffers|fsync|WriteFile|The handle is invalid|Access is denied|Permission denied`
	logDedupWin   = 3 * time.Second
)

func Load() {
	listenAddr = getenv("LISTEN", listenAddr)
	pgDSN = getenv("PG_DSN", pgDSN)
	publicOrigin = strings.TrimRight(getenv("PUBLIC_ORIGIN", publicOrigin), "/")

	mediaRoot = getenv("MEDIA_ROOT", mediaRoot)
	if v := getenv("TORRENT_DATA_ROOT", ""); v != "" {
		dataRoot = v
	}
	_ = os.MkdirAll(dataRoot, 0o755)

	trackersMode = strings.ToLower(getenv("TRACKERS_MODE", trackersMode))
	waitMetadata = getenvDuration("WAIT_METADATA", waitMetadata)
	if ms := getenvInt64("WAIT_METADATA_MS", 0); ms > 0 {
		waitMetadata = time.Duration(ms) * time.Millisecond
	}
	remoteProbe = getenvBool("REMOTE_PROBE", remoteProbe)
	remoteProbeTimeout = getenvDuration("REMOTE_PROBE_TIMEOUT", remoteProbeTimeout)
	youtubeVerifyEmbed = getenvBool("YOUTUBE_VERIFY_EMBED", youtubeVerifyEmbed)
	targetPlaySec = getenvInt64("TARGET_BUFFER_PLAY_SEC", targetPlaySec)
	targetPauseSec = getenvInt64("TARGET_BUFFER_PAUSE_SEC", targetPauseSec)
	sessionStaleAfter = getenvDuration("SESSION_STALE_AFTER", sessionStaleAfter)

	cacheMaxBytes = getenvInt64("CACHE_MAX_BYTES", 0)
	evictTTL = getenvDuration("CACHE_EVICT_TTL", 0)

	addonsDir = getenv("ADDONS_DIR", addonsDir)
	addonsWatch = getenvBool("ADDONS_WATCH", addonsWatch)
	indexerURL = getenv("INDEXER_URL", indexerURL)
	indexerAPIKey = getenv("INDEXER_API_KEY", indexerAPIKey)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logLevel = strings.ToLower(getenv("LOG_LEVEL", logLevel))
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// getters
func ListenAddr() string                { return listenAddr }
func PgDSN() string                     { return pgDSN }
func PublicOrigin() string              { return publicOrigin }
func MediaRoot() string                 { return mediaRoot }
func DataRoot() string                  { return dataRoot }
func TrackersMode() string              { return trackersMode }
func WaitMetadata() time.Duration       { return waitMetadata }
func RemoteProbe() bool                 { return remoteProbe }
func RemoteProbeTimeout() time.Duration { return remoteProbeTimeout }
func YouTubeVerifyEmbed() bool          { return youtubeVerifyEmbed }
func TargetPlaySec() int64              { return targetPlaySec }
func TargetPauseSec() int64             { return targetPauseSec }
func SessionStaleAfter() time.Duration  { return sessionStaleAfter }
func CacheMaxBytes() int64              { return cacheMaxBytes }
func EvictTTL() time.Duration           { return evictTTL }
func AddonsDir() string                 { return addonsDir }
func AddonsWatch() bool                 { return addonsWatch }
func IndexerURL() string                { return indexerURL }
func IndexerAPIKey() string             { return indexerAPIKey }
func LogFilePath() string               { return logFilePath }
func LogLevel() string                  { return logLevel }
func LogAllowRegex() string             { return logAllowRegex }
func LogDenyRegex() string              { return logDenyRegex }
func LogDedupWindow() time.Duration     { return logDedupWin }

// helpers
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
