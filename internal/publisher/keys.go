package publisher

import (
	"path/filepath"
	"strings"
)

// contentTypes maps artifact suffixes to the content type served by the
// object store.
var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/MP2T",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".mpd":  "application/dash+xml",
	".vtt":  "text/vtt",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".json": "application/json",
}

// ContentTypeFor returns the content type for an artifact path.
func ContentTypeFor(path string) string {
	if t, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "application/octet-stream"
}

// TrimS3Path strips leading and trailing slashes from a custom prefix.
func TrimS3Path(s3Path string) string {
	return strings.Trim(s3Path, "/")
}

// KeyPrefix computes the object-store prefix a video's artifacts live under:
// "{s3Path-trimmed}/{uploadId}", or just "{uploadId}" when no custom path was
// requested. The session manager and the publisher both derive keys through
// here so advertised URLs and written objects cannot drift apart.
func KeyPrefix(s3Path, uploadID string) string {
	if trimmed := TrimS3Path(s3Path); trimmed != "" {
		return trimmed + "/" + uploadID
	}
	return uploadID
}

// BaseURL returns the public virtual-hosted URL root, "https://{bucket}.{endpoint}".
func BaseURL(endpoint, bucket string) string {
	host := endpoint
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	return "https://" + bucket + "." + strings.TrimSuffix(host, "/")
}

// StreamURL returns the public HLS playlist URL for a prefix.
func StreamURL(endpoint, bucket, prefix string) string {
	return BaseURL(endpoint, bucket) + "/" + prefix + "/index.m3u8"
}

// ObjectURL returns the public URL of a single object key.
func ObjectURL(endpoint, bucket, key string) string {
	return BaseURL(endpoint, bucket) + "/" + key
}
