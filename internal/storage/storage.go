package storage

import (
	"context"
	"io"
	"time"
)

// Uploader stores response audio and returns a reference clients can fetch.
type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

// ObjectName lays out response audio by session, ex:
// "sessions/<session>/<request>.mp3".
func ObjectName(sessionID, requestID, format string) string {
	if format == "" {
		format = "mp3"
	}
	return "sessions/" + sessionID + "/" + requestID + "." + format
}

func ContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}
