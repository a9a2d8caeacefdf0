package models

import "time"

// VideoStatus represents the processing status of a video.
type VideoStatus string

const (
	StatusUploading  VideoStatus = "uploading"
	StatusProcessing VideoStatus = "processing"
	StatusCompleted  VideoStatus = "completed"
	StatusFailed     VideoStatus = "failed"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CallbackStatus represents the webhook delivery outcome for a video.
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackCompleted CallbackStatus = "completed"
	CallbackFailed    CallbackStatus = "failed"
)

// UploadType routes a session to the resumable or the one-shot ingress path.
type UploadType string

const (
	UploadResumable UploadType = "resumable"
	UploadDirect    UploadType = "direct"
)

// MaxCallbackAttempts bounds webhook delivery retries per record.
const MaxCallbackAttempts = 4

// VideoRecord is the sole persistent entity of the pipeline, keyed by ID.
// It is owned by the record store; all other components mutate it through
// the store's update operation.
type VideoRecord struct {
	ID       string      `json:"id"`
	Filename string      `json:"filename"`
	Status   VideoStatus `json:"status"`
	Progress int         `json:"progress"`

	StreamURL    string `json:"streamUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	MP4URL       string `json:"mp4Url,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Packager is fixed to "ffmpeg" today, kept for extensibility.
	Packager string `json:"packager"`

	CallbackURL         string         `json:"callbackUrl,omitempty"`
	CallbackStatus      CallbackStatus `json:"callbackStatus"`
	CallbackRetryCount  int            `json:"callbackRetryCount"`
	CallbackLastAttempt *time.Time     `json:"callbackLastAttempt,omitempty"`

	S3Path     string     `json:"s3Path,omitempty"`
	UploadToS3 bool       `json:"uploadToS3"`
	UploadType UploadType `json:"uploadType"`
}

// TranscodeJob is the message published to the processing queue when an
// upload finishes, on either ingress path.
type TranscodeJob struct {
	UploadID    string `json:"uploadId"`
	FilePath    string `json:"filePath"`
	Filename    string `json:"filename"`
	Packager    string `json:"packager"`
	CallbackURL string `json:"callbackUrl,omitempty"`
	S3Path      string `json:"s3Path,omitempty"`
	UploadToS3  bool   `json:"uploadToS3"`
}

// Validate checks if the transcode job has all required fields.
func (j *TranscodeJob) Validate() error {
	if j.UploadID == "" {
		return ErrMissingUploadID
	}
	if j.FilePath == "" {
		return ErrMissingFilePath
	}
	return nil
}

// TranscodeStrategy names the FFmpeg approach chosen by the codec prober.
type TranscodeStrategy string

const (
	// StrategyCopy remuxes both streams without re-encoding.
	StrategyCopy TranscodeStrategy = "copy"
	// StrategySelective copies video and re-encodes audio to AAC.
	StrategySelective TranscodeStrategy = "selective"
	// StrategyReencode re-encodes both streams with libx264/AAC.
	StrategyReencode TranscodeStrategy = "reencode"
)

// SourceCodecs describes the probed input streams.
type SourceCodecs struct {
	Video   string `json:"video"`
	Audio   string `json:"audio"`
	Profile string `json:"profile,omitempty"`
}

// ArtifactMetadata is written as metadata.json next to the HLS output and
// published with the rest of the artifact tree.
type ArtifactMetadata struct {
	Name                string            `json:"name"`
	Packager            string            `json:"packager"`
	CreatedAt           time.Time         `json:"createdAt"`
	Source              string            `json:"source"`
	HasThumbnail        bool              `json:"hasThumbnail"`
	TranscodingStrategy TranscodeStrategy `json:"transcodingStrategy"`
	SourceCodecs        SourceCodecs      `json:"sourceCodecs"`
	HLSCompatible       bool              `json:"hlsCompatible"`
}
