// SPDX-License-Identifier: MIT

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/session"
	"github.com/surfwright/surfwright/internal/state"
)

// tailPollInterval paces the coordination-file polling loops.
const tailPollInterval = 150 * time.Millisecond

// captureStart registers a recording capture bound to the resolved session
// and lays down its coordination file paths.
func (e *Executor) captureStart(ctx context.Context, a args) (any, error) {
	report, err := e.sessions.ResolveForAction(ctx, session.ActionHint{
		SessionID: a.str("--session"),
		TargetID:  a.str("--target"),
	}, "")
	if err != nil {
		return nil, err
	}

	var record *state.NetworkCaptureRecord
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		captureID := fmt.Sprintf("cap-%d", doc.NextCaptureOrdinal)
		doc.NextCaptureOrdinal++

		paths := e.store.Paths()
		signal, err := paths.CaptureSignalFile(captureID)
		if err != nil {
			return errcode.Wrap(errcode.Internal, err, "derive capture signal path")
		}
		done, err := paths.CaptureDoneFile(captureID)
		if err != nil {
			return errcode.Wrap(errcode.Internal, err, "derive capture done path")
		}
		result, err := paths.CaptureResultFile(captureID)
		if err != nil {
			return errcode.Wrap(errcode.Internal, err, "derive capture result path")
		}

		record = &state.NetworkCaptureRecord{
			CaptureID:      captureID,
			SessionID:      report.Session.SessionID,
			TargetID:       a.str("--target"),
			StartedAt:      state.Timestamp(time.Now()),
			Status:         state.CaptureRecording,
			StopSignalPath: signal,
			DonePath:       done,
			ResultPath:     result,
		}
		doc.NetworkCaptures[captureID] = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "capture": record}, nil
}

// captureStop signals the capture worker and marks the record completed once
// the done file appears (or immediately when no worker ever ran).
func (e *Executor) captureStop(ctx context.Context, a args) (any, error) {
	captureID := a.str("--capture")
	if captureID == "" && len(a.positionals) > 0 {
		captureID = a.positionals[0]
	}
	if captureID == "" {
		return nil, errcode.New(errcode.QueryInvalid, "capture stop requires a capture id")
	}

	doc, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	record := doc.NetworkCaptures[captureID]
	if record == nil {
		return nil, errcode.New(errcode.QueryInvalid, "no capture %q", captureID).
			WithContext("captureId", captureID)
	}
	if record.Status != state.CaptureRecording {
		return nil, errcode.New(errcode.QueryInvalid, "capture %q is %s, not recording", captureID, record.Status)
	}

	// Touch the stop signal; a live worker reacts by finalising and creating
	// the done file.
	if record.StopSignalPath != "" {
		if err := touchFile(record.StopSignalPath); err != nil {
			return nil, errcode.Wrap(errcode.StateIO, err, "write capture stop signal").
				WithContext("path", record.StopSignalPath)
		}
	}
	if record.WorkerPid != nil {
		e.awaitDoneFile(ctx, record.DonePath)
	}

	var updated *state.NetworkCaptureRecord
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		rec := doc.NetworkCaptures[captureID]
		if rec == nil {
			return errcode.New(errcode.QueryInvalid, "capture %q vanished", captureID)
		}
		rec.Status = state.CaptureCompleted
		rec.EndedAt = state.Timestamp(time.Now())
		rec.WorkerPid = nil
		cp := *rec
		updated = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "capture": updated}, nil
}

// awaitDoneFile waits briefly for the worker's done marker; stop proceeds
// regardless so a crashed worker cannot wedge the CLI.
func (e *Executor) awaitDoneFile(ctx context.Context, donePath string) {
	if donePath == "" {
		return
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(donePath); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tailPollInterval):
		}
	}
}

// captureExport materialises a completed capture as a HAR artifact and
// indexes it.
func (e *Executor) captureExport(ctx context.Context, a args) (any, error) {
	captureID := a.str("--capture")
	if captureID == "" && len(a.positionals) > 0 {
		captureID = a.positionals[0]
	}
	if captureID == "" {
		return nil, errcode.New(errcode.QueryInvalid, "capture export requires a capture id")
	}

	// Validate the capture and reserve the artifact ordinal under a short
	// lock; the persisted ordinal makes the reservation crash-safe.
	var record *state.NetworkCaptureRecord
	var artifactID string
	err := e.store.Mutate(ctx, func(doc *state.Document) error {
		rec := doc.NetworkCaptures[captureID]
		if rec == nil {
			return errcode.New(errcode.QueryInvalid, "no capture %q", captureID)
		}
		if rec.Status != state.CaptureCompleted {
			return errcode.New(errcode.QueryInvalid,
				"capture %q is %s; only completed captures export", captureID, rec.Status)
		}
		artifactID = fmt.Sprintf("net-%d", doc.NextArtifactOrdinal)
		doc.NextArtifactOrdinal++
		cp := *rec
		record = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Build and write the HAR without holding the state lock.
	path, err := e.store.Paths().NetworkArtifactFile(artifactID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "derive artifact path")
	}
	har, entries, err := buildHAR(record)
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(path, har, 0o600); err != nil {
		return nil, errcode.Wrap(errcode.StateIO, err, "write artifact file").
			WithContext("path", path)
	}

	artifact := &state.NetworkArtifactRecord{
		ArtifactID: artifactID,
		CreatedAt:  state.Timestamp(time.Now()),
		Format:     "har",
		Path:       path,
		SessionID:  record.SessionID,
		TargetID:   record.TargetID,
		CaptureID:  captureID,
		Entries:    entries,
		Bytes:      int64(len(har)),
	}
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		doc.NetworkArtifacts[artifact.ArtifactID] = artifact
		return nil
	})
	if err != nil {
		// A failed index must not leave an unreferenced file behind.
		_ = os.Remove(path)
		return nil, err
	}
	return map[string]any{"ok": true, "artifact": artifact}, nil
}

// harEnvelope is the minimal HAR 1.2 wrapper around recorded entries.
type harEnvelope struct {
	Log struct {
		Version string            `json:"version"`
		Creator map[string]string `json:"creator"`
		Entries []json.RawMessage `json:"entries"`
	} `json:"log"`
}

// buildHAR assembles the export payload from the worker's result file. A
// missing result file exports an empty, valid HAR.
func buildHAR(record *state.NetworkCaptureRecord) ([]byte, int, error) {
	var envelope harEnvelope
	envelope.Log.Version = "1.2"
	envelope.Log.Creator = map[string]string{"name": "surfwright", "version": "1"}
	envelope.Log.Entries = []json.RawMessage{}

	if record.ResultPath != "" {
		if entries, err := readResultEntries(record.ResultPath); err == nil {
			envelope.Log.Entries = entries
		}
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return nil, 0, errcode.Wrap(errcode.Internal, err, "serialize HAR")
	}
	return append(data, '\n'), len(envelope.Log.Entries), nil
}

// readResultEntries parses the worker result file: one JSON entry per line.
func readResultEntries(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := []json.RawMessage{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		entries = append(entries, json.RawMessage(append([]byte(nil), line...)))
	}
	return entries, scanner.Err()
}

// captureTail streams result-file lines to stdout until the capture is done
// or the caller's deadline hits. This command bypasses the daemon so each
// line reaches the terminal as it is written.
func (e *Executor) captureTail(ctx context.Context, a args) (any, error) {
	captureID := a.str("--capture")
	if captureID == "" && len(a.positionals) > 0 {
		captureID = a.positionals[0]
	}
	if captureID == "" {
		return nil, errcode.New(errcode.QueryInvalid, "capture tail requires a capture id")
	}
	timeout, err := a.millis("--timeout-ms", 30*time.Second)
	if err != nil {
		return nil, err
	}

	doc, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	record := doc.NetworkCaptures[captureID]
	if record == nil {
		return nil, errcode.New(errcode.QueryInvalid, "no capture %q", captureID)
	}

	lines, err := e.streamFile(ctx, record.ResultPath, record.DonePath, timeout, os.Stdout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "captureId": captureID, "lines": lines}, nil
}

// consoleStream is the console-log twin of capture tail; it follows the
// session's console sink file.
func (e *Executor) consoleStream(ctx context.Context, a args) (any, error) {
	report, err := e.sessions.ResolveForAction(ctx, session.ActionHint{
		SessionID: a.str("--session"),
	}, "")
	if err != nil {
		return nil, err
	}
	timeout, err := a.millis("--timeout-ms", 30*time.Second)
	if err != nil {
		return nil, err
	}

	sink := report.Session.UserDataDir
	if sink == "" {
		return nil, errcode.New(errcode.QueryInvalid,
			"session %q has no console sink; console streaming needs a managed session", report.Session.SessionID)
	}
	sink = sink + string(os.PathSeparator) + "console.ndjson"

	lines, err := e.streamFile(ctx, sink, "", timeout, os.Stdout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "sessionId": report.Session.SessionID, "lines": lines}, nil
}

// streamFile follows path, writing each new line to w, until donePath exists,
// the timeout expires, or ctx is cancelled. Returns the line count.
func (e *Executor) streamFile(ctx context.Context, path, donePath string, timeout time.Duration, w io.Writer) (int, error) {
	deadline := time.Now().Add(timeout)
	var offset int64
	lines := 0

	for {
		n, newOffset, err := copyNewLines(path, offset, w)
		if err != nil && !os.IsNotExist(err) {
			return lines, errcode.Wrap(errcode.StateIO, err, "follow %s", path)
		}
		lines += n
		offset = newOffset

		if donePath != "" {
			if _, err := os.Stat(donePath); err == nil {
				return lines, nil
			}
		}
		if time.Now().After(deadline) {
			return lines, nil
		}
		select {
		case <-ctx.Done():
			return lines, nil
		case <-time.After(tailPollInterval):
		}
	}
}

// copyNewLines writes complete lines found past offset and returns the count
// plus the new offset (always at a line boundary).
func copyNewLines(path string, offset int64, w io.Writer) (int, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, offset, err
	}

	reader := bufio.NewReader(f)
	count := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line stays for the next poll.
			return count, offset, nil
		}
		if _, werr := w.Write(line); werr != nil {
			return count, offset, werr
		}
		offset += int64(len(line))
		count++
	}
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}
