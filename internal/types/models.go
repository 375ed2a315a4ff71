package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	MetaSuffix       = "_meta.json"
	AudioSuffix      = "_audio"
	TranscriptSuffix = "_transcript.txt"
	ErrorLogName     = "log_erreurs_batch.txt"

	// ErrorTag prefixes every transcript body that records a failure.
	ErrorTag = "[ERREUR_TRANSCRIPTION"

	MimeJSON  = "application/json"
	MimePlain = "text/plain"
)

// SubmissionRecord is one voice submission as stored in <base>_meta.json.
type SubmissionRecord struct {
	BaseFileName     string    `json:"baseFileName"`
	AudioFileName    string    `json:"audioFileName"`
	MimeType         string    `json:"mimeType"`
	StudentCode      string    `json:"studentCode"`
	Cohort           string    `json:"cohort"`
	Profile          string    `json:"profile"`
	Used             string    `json:"used"`
	Topic            string    `json:"topic"`
	DurationSec      float64   `json:"durationSec"`
	ReceivedAt       time.Time `json:"receivedAt"`
	ProcessedByBatch bool      `json:"processedByBatch"`
	FolderID         string    `json:"userFolderId,omitempty"`
	IP               string    `json:"ip,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
	ClaimedAt        time.Time `json:"-"`
}

// Eligible reports whether the batch may claim the record.
func (r SubmissionRecord) Eligible() bool {
	return !r.ProcessedByBatch && r.Complete()
}

// Complete reports whether the fields needed for transcription are present.
func (r SubmissionRecord) Complete() bool {
	return r.BaseFileName != "" && r.AudioFileName != "" && r.MimeType != ""
}

func (r SubmissionRecord) TranscriptFileName() string {
	return TranscriptFileName(r.BaseFileName)
}

func MetaFileName(base string) string       { return base + MetaSuffix }
func TranscriptFileName(base string) string { return base + TranscriptSuffix }
func AudioFileName(base, ext string) string { return base + AudioSuffix + "." + ext }

// MirrorFileName names the copy kept in the flat transcripts collection.
func MirrorFileName(used, profile, folderName, base string) string {
	return fmt.Sprintf("%s_%s_%s_%s.txt", used, profile, folderName, base)
}

// IsMetaFile reports whether a file name is a submission metadata document.
func IsMetaFile(name string) bool {
	return strings.HasSuffix(name, MetaSuffix)
}

// IsErrorText reports whether a transcript body is an error marker.
func IsErrorText(s string) bool {
	return strings.HasPrefix(s, ErrorTag)
}

// ErrorText formats the transcript body persisted for a failed call.
func ErrorText(err error) string {
	return fmt.Sprintf("%s_BACKEND: %s]", ErrorTag, err.Error())
}

// Metadata is a decoded metadata document. It keeps the raw fields so a
// rewrite preserves anything the ingestion side stored that this package
// does not model.
type Metadata struct {
	Record SubmissionRecord
	raw    map[string]json.RawMessage
}

// ParseMetadata decodes a metadata document.
func ParseMetadata(data []byte) (*Metadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode metadata: document is null")
	}

	var rec SubmissionRecord
	if err := json.Unmarshal(data, &lenientRecord{&rec}); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &Metadata{Record: rec, raw: raw}, nil
}

// SetClaim flips processedByBatch and keeps claimedAt in step with it.
func (m *Metadata) SetClaim(claimed bool, at time.Time) {
	m.Record.ProcessedByBatch = claimed
	m.raw["processedByBatch"] = json.RawMessage(fmt.Sprintf("%t", claimed))
	if claimed {
		m.Record.ClaimedAt = at.UTC()
		stamp, _ := json.Marshal(m.Record.ClaimedAt.Format(time.RFC3339Nano))
		m.raw["claimedAt"] = stamp
		return
	}
	m.Record.ClaimedAt = time.Time{}
	delete(m.raw, "claimedAt")
}

// Marshal renders the document with two-space indentation.
func (m *Metadata) Marshal() ([]byte, error) {
	return json.MarshalIndent(m.raw, "", "  ")
}

// lenientRecord decodes a SubmissionRecord while only insisting on the
// fields the batch depends on. processedByBatch counts as set only when it
// is the JSON literal true; timestamps that fail to parse stay zero.
type lenientRecord struct {
	rec *SubmissionRecord
}

func (l *lenientRecord) UnmarshalJSON(data []byte) error {
	var fields struct {
		BaseFileName     json.RawMessage `json:"baseFileName"`
		AudioFileName    json.RawMessage `json:"audioFileName"`
		MimeType         json.RawMessage `json:"mimeType"`
		StudentCode      json.RawMessage `json:"studentCode"`
		Cohort           json.RawMessage `json:"cohort"`
		Profile          json.RawMessage `json:"profile"`
		Used             json.RawMessage `json:"used"`
		Topic            json.RawMessage `json:"topic"`
		DurationSec      json.RawMessage `json:"durationSec"`
		ReceivedAt       json.RawMessage `json:"receivedAt"`
		ProcessedByBatch json.RawMessage `json:"processedByBatch"`
		FolderID         json.RawMessage `json:"userFolderId"`
		IP               json.RawMessage `json:"ip"`
		UserAgent        json.RawMessage `json:"userAgent"`
		ClaimedAt        json.RawMessage `json:"claimedAt"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	r := l.rec
	r.BaseFileName = rawString(fields.BaseFileName)
	r.AudioFileName = rawString(fields.AudioFileName)
	r.MimeType = rawString(fields.MimeType)
	r.StudentCode = rawString(fields.StudentCode)
	r.Cohort = rawString(fields.Cohort)
	r.Profile = rawString(fields.Profile)
	r.Used = rawString(fields.Used)
	r.Topic = rawString(fields.Topic)
	r.FolderID = rawString(fields.FolderID)
	r.IP = rawString(fields.IP)
	r.UserAgent = rawString(fields.UserAgent)
	r.ProcessedByBatch = strings.TrimSpace(string(fields.ProcessedByBatch)) == "true"
	_ = json.Unmarshal(fields.DurationSec, &r.DurationSec)
	_ = json.Unmarshal(fields.ReceivedAt, &r.ReceivedAt)
	_ = json.Unmarshal(fields.ClaimedAt, &r.ClaimedAt)
	return nil
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
