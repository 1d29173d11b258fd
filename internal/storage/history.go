// Package storage persists conversation transcripts as one JSON file per thread.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/saker-ai/concierge/internal/chat"
)

// Transcript is the persisted history of one thread.
type Transcript struct {
	ThreadID  string      `json:"thread_id"`
	UpdatedAt string      `json:"updated_at"`
	Turns     []chat.Turn `json:"turns"`
}

// TranscriptInfo summarizes a stored transcript.
type TranscriptInfo struct {
	ThreadID      string    `json:"thread_id"`
	LatestMessage chat.Turn `json:"latest_message"`
	UpdatedAt     string    `json:"updated_at"`
}

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// SaveTranscript writes turns for threadID, replacing any previous file.
func SaveTranscript(baseDir string, threadID string, turns []chat.Turn) error {
	path, err := transcriptPath(baseDir, threadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}
	if turns == nil {
		turns = []chat.Turn{}
	}
	t := Transcript{
		ThreadID:  threadID,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Turns:     turns,
	}
	return writeTranscript(path, t)
}

// LoadTranscript reads the transcript of threadID.
func LoadTranscript(baseDir string, threadID string) (Transcript, error) {
	path, err := transcriptPath(baseDir, threadID)
	if err != nil {
		return Transcript{}, err
	}
	return readTranscript(path)
}

// LoadLatest returns the most recently updated transcript.
func LoadLatest(baseDir string) (Transcript, bool, error) {
	list := ListTranscripts(baseDir)
	if len(list) == 0 {
		return Transcript{}, false, nil
	}
	t, err := LoadTranscript(baseDir, list[0].ThreadID)
	if err != nil {
		return Transcript{}, false, err
	}
	return t, true, nil
}

// DeleteTranscript removes the transcript of threadID.
func DeleteTranscript(baseDir string, threadID string) bool {
	path, err := transcriptPath(baseDir, threadID)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}

// ListTranscripts returns stored transcripts, newest first.
func ListTranscripts(baseDir string) []TranscriptInfo {
	list := []TranscriptInfo{}
	if baseDir == "" {
		return list
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return list
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		t, err := readTranscript(filepath.Join(baseDir, entry.Name()))
		if err != nil {
			continue
		}
		info := TranscriptInfo{ThreadID: t.ThreadID, UpdatedAt: t.UpdatedAt}
		if n := len(t.Turns); n > 0 {
			info.LatestMessage = t.Turns[n-1]
		}
		list = append(list, info)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt > list[j].UpdatedAt
	})

	return list
}

func transcriptPath(baseDir string, threadID string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(threadID) {
		return "", errors.New("invalid thread id")
	}
	return filepath.Join(baseDir, threadID+".json"), nil
}

func readTranscript(path string) (Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Transcript{}, err
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return Transcript{}, err
	}
	return t, nil
}

func writeTranscript(path string, t Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
