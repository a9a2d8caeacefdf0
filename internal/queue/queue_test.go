package queue

import (
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

func TestEncodeMessage(t *testing.T) {
	job := &models.TranscodeJob{
		UploadID:   "abc",
		FilePath:   "/uploads/abc",
		Filename:   "a.mp4",
		Packager:   "ffmpeg",
		UploadToS3: true,
	}

	pub, err := encodeMessage(job)
	if err != nil {
		t.Fatalf("encodeMessage() error = %v", err)
	}

	if pub.ContentType != "application/json" {
		t.Errorf("ContentType = %v", pub.ContentType)
	}
	if pub.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %v, want persistent", pub.DeliveryMode)
	}

	var decoded models.TranscodeJob
	if err := json.Unmarshal(pub.Body, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded.UploadID != "abc" || !decoded.UploadToS3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestEncodeMessage_OmitsEmptyOptionals(t *testing.T) {
	pub, err := encodeMessage(&models.TranscodeJob{UploadID: "abc", FilePath: "/p", Filename: "f"})
	if err != nil {
		t.Fatalf("encodeMessage() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(pub.Body, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["callbackUrl"]; ok {
		t.Error("empty callbackUrl should be omitted from the payload")
	}
	if _, ok := raw["s3Path"]; ok {
		t.Error("empty s3Path should be omitted from the payload")
	}
}
