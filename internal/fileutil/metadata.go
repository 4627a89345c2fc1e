// Package fileutil writes the JSON sidecar kept next to every segment file.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/attendrec/internal/segment"
)

// SegmentMetadata is the <segment>.meta.json sidecar. It is rewritten after
// each upload outcome; the audio file itself is never modified.
type SegmentMetadata struct {
	Version         string     `json:"version"`
	SessionID       string     `json:"session_id"`
	SegmentFile     string     `json:"segment_file"`
	Source          string     `json:"capture_source"`
	StartedAt       time.Time  `json:"started_at"`
	StoppedAt       time.Time  `json:"stopped_at"`
	DurationSeconds int        `json:"duration_seconds"`
	ContentType     string     `json:"content_type"`
	Upload          UploadMeta `json:"upload"`
}

// UploadMeta records the latest delivery outcome.
type UploadMeta struct {
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MetadataFromSnapshot builds a sidecar from a segment snapshot.
func MetadataFromSnapshot(version, contentType string, snap segment.Snapshot, now time.Time) *SegmentMetadata {
	return &SegmentMetadata{
		Version:         version,
		SessionID:       snap.SessionID,
		SegmentFile:     filepath.Base(snap.Path),
		Source:          snap.Source,
		StartedAt:       snap.StartedAt,
		StoppedAt:       snap.ClosedAt,
		DurationSeconds: snap.DurationSeconds,
		ContentType:     contentType,
		Upload: UploadMeta{
			State:      string(snap.UploadState),
			Attempts:   snap.Attempts,
			StatusCode: snap.StatusCode,
			Error:      snap.LastError,
			UpdatedAt:  now,
		},
	}
}

// WriteMetadata writes <basepath>.meta.json next to segmentPath using a
// temp file and rename, so readers never see a partial sidecar.
func WriteMetadata(segmentPath string, meta *SegmentMetadata) error {
	metaPath := MetadataPath(segmentPath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar for segmentPath.
func ReadMetadata(segmentPath string) (*SegmentMetadata, error) {
	data, err := os.ReadFile(MetadataPath(segmentPath))
	if err != nil {
		return nil, err
	}
	var meta SegmentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// MetadataPath returns <basepath>.meta.json for a segment file path.
func MetadataPath(segmentPath string) string {
	ext := filepath.Ext(segmentPath)
	base := segmentPath[:len(segmentPath)-len(ext)]
	return base + ".meta.json"
}
