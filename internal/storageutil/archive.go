package storageutil

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/timeutil"
)

const (
	archivePrefix  = "captures"
	manifestSuffix = "manifest.json.lz4"
	snapshotSuffix = "frames.json.lz4"
)

// Manifest describes one archived snapshot.
type Manifest struct {
	SessionID  uuid.UUID         `json:"session_id"`
	CaptureID  uuid.UUID         `json:"capture_id"`
	CreatedAt  timeutil.Time     `json:"created_at"`
	FirstFrame uint32            `json:"first_frame"`
	LastFrame  uint32            `json:"last_frame"`
	Frequency  uint64            `json:"frequency"`
	Tracks     []event.TrackInfo `json:"tracks"`
	Object     string            `json:"object"`
}

// SessionPrefix is the common prefix of every archive of a session.
func SessionPrefix(session uuid.UUID) string {
	return path.Join(archivePrefix, session.String()) + "/"
}

// ArchiveName returns the object names of a capture: its manifest and its
// frames.
func ArchiveName(session, capture uuid.UUID, firstFrame uint32) (string, string) {
	base := path.Join(archivePrefix, session.String(), fmt.Sprintf("%010d-%s", firstFrame, capture))
	return base + "." + manifestSuffix, base + "." + snapshotSuffix
}

// WriteArchive stores snap and its manifest. The frames are written first so
// a visible manifest always points to a complete object.
func WriteArchive(ctx context.Context, b ObjectHandler, session uuid.UUID, snap *event.Snapshot) (Manifest, error) {
	capture := uuid.New()
	manifestName, objectName := ArchiveName(session, capture, snap.Begin)
	m := Manifest{
		SessionID:  session,
		CaptureID:  capture,
		CreatedAt:  timeutil.Now(),
		FirstFrame: snap.Begin,
		LastFrame:  snap.End,
		Frequency:  snap.TicksPerS,
		Tracks:     snap.TrackInfos,
		Object:     objectName,
	}
	if err := CompressedWrite(ctx, b, objectName, snap); err != nil {
		return Manifest{}, err
	}
	if err := CompressedWrite(ctx, b, manifestName, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ReadArchive loads the snapshot a manifest points to.
func ReadArchive(ctx context.Context, b ObjectHandler, m Manifest) (*event.Snapshot, error) {
	var snap event.Snapshot
	if err := UnmarshalCompressed(ctx, b, m.Object, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListArchives returns the manifests of a session ordered by first frame.
func ListArchives(ctx context.Context, b ObjectHandler, session uuid.UUID) ([]Manifest, error) {
	names, err := b.List(ctx, SessionPrefix(session))
	if err != nil {
		return nil, err
	}
	var manifests []Manifest
	for _, name := range names {
		if !strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		var m Manifest
		if err := UnmarshalCompressed(ctx, b, name, &m); err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].FirstFrame < manifests[j].FirstFrame
	})
	return manifests, nil
}
