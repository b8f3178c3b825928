package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// Segment is one epoch's worth of timeline entries.
type Segment struct {
	Epoch   uint64
	Entries []protocol.Entry
}

// segmentWriter appends newline-delimited JSON entries to one epoch file.
type segmentWriter struct {
	file  *os.File
	epoch uint64
}

func (w *segmentWriter) append(entry *protocol.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *segmentWriter) close() error {
	return w.file.Close()
}

// LoadSegments reads every timeline segment for an agent, sorted by epoch.
// A segment containing a malformed line fails closed with CorruptTimeline;
// the store never silently truncates.
func (s *Store) LoadSegments(agentID string) ([]Segment, error) {
	dir := filepath.Join(s.agentDir(agentID), timelineDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot list timeline segments", err)
	}

	var segments []Segment
	for _, f := range files {
		epoch, ok := parseEpochFilename(f.Name())
		if !ok {
			continue
		}
		entries, err := s.readSegment(filepath.Join(dir, f.Name()), epoch)
		if err != nil {
			return nil, err
		}
		segments = append(segments, Segment{Epoch: epoch, Entries: entries})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Epoch < segments[j].Epoch
	})
	return segments, nil
}

func (s *Store) readSegment(path string, epoch uint64) ([]protocol.Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot open timeline segment", err)
	}
	defer file.Close()

	var entries []protocol.Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	line := 0
	expectSeq := uint64(1)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry protocol.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errs.Wrap(errs.CodeCorruptTimeline,
				fmt.Sprintf("segment %s line %d is malformed", path, line), err)
		}
		if entry.Epoch != epoch {
			return nil, errs.Newf(errs.CodeCorruptTimeline,
				"segment %s line %d carries epoch %d, want %d", path, line, entry.Epoch, epoch)
		}
		if entry.Seq != expectSeq {
			return nil, errs.Newf(errs.CodeCorruptTimeline,
				"segment %s line %d has seq %d, want %d", path, line, entry.Seq, expectSeq)
		}
		expectSeq++
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeCorruptTimeline,
			fmt.Sprintf("segment %s is unreadable", path), err)
	}
	return entries, nil
}

// LatestEpoch returns the highest epoch present on disk for an agent, zero
// when no segments exist.
func (s *Store) LatestEpoch(agentID string) (uint64, error) {
	dir := filepath.Join(s.agentDir(agentID), timelineDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.Wrap(errs.CodePersistenceUnavailable, "cannot list timeline segments", err)
	}
	var latest uint64
	for _, f := range files {
		if epoch, ok := parseEpochFilename(f.Name()); ok && epoch > latest {
			latest = epoch
		}
	}
	return latest, nil
}

// AppendEntry durably appends one entry to the agent's segment for the
// entry's epoch. Returns only after the write is fsynced.
func (s *Store) AppendEntry(agentID string, entry *protocol.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writers[agentID]
	if ok && w.epoch != entry.Epoch {
		_ = w.close()
		delete(s.writers, agentID)
		ok = false
	}
	if !ok {
		dir := filepath.Join(s.agentDir(agentID), timelineDir)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errs.Wrap(errs.CodePersistenceUnavailable, "cannot create timeline dir", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%d.log", entry.Epoch))
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return errs.Wrap(errs.CodePersistenceUnavailable, "cannot open timeline segment", err)
		}
		w = &segmentWriter{file: file, epoch: entry.Epoch}
		s.writers[agentID] = w
	}

	if err := w.append(entry); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "cannot append timeline entry", err)
	}
	return nil
}
