package models

import "errors"

// Sentinel errors for pipeline operations.
var (
	// Job payload validation
	ErrMissingUploadID = errors.New("uploadId is required")
	ErrMissingFilePath = errors.New("filePath is required")

	// Record store
	ErrRecordNotFound = errors.New("video record not found")
	ErrRecordExists   = errors.New("video record already exists")

	// Client input
	ErrValidation    = errors.New("validation failed")
	ErrStateConflict = errors.New("video is not in an uploadable state")

	// Processing
	ErrJobParseFailed  = errors.New("failed to parse job")
	ErrProbeFailed     = errors.New("failed to probe source")
	ErrTranscodeFailed = errors.New("failed to transcode video")
	ErrFFmpegFailed    = errors.New("ffmpeg execution failed")
	ErrPublishFailed   = errors.New("failed to publish artifacts")
	ErrMissingPlaylist = errors.New("transcode produced no playlist")

	// Webhook delivery
	ErrWebhookFailed = errors.New("webhook delivery failed")
)
