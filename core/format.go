package core

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used by the journal stores.

// --- Magic Numbers ---
const (
	// JournalSegmentMagicNumber identifies a journal segment file.
	JournalSegmentMagicNumber uint32 = 0x4A524E4C // "JRNL"
	// CheckpointMagicNumber identifies a per-journal checkpoint file.
	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- File Names & Prefixes ---
const (
	// SegmentFileSuffix is the suffix for journal segment files.
	SegmentFileSuffix = ".wal"
	// CheckpointFileName is the name of the file storing checkpoint information.
	CheckpointFileName = "CHECKPOINT"
	// LockFileName is the advisory lock taken on a store directory.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, SegmentFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SegmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a journal segment file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, SegmentFileSuffix), 10, 64)
}

// FormatTempFilename returns the temporary name used while a file is rewritten.
func FormatTempFilename(base, suffix string) string {
	return fmt.Sprintf("%s.%s", base, suffix)
}

// JournalID identifies a stored journal: the journal of an actor path, or
// with Peer set, the copy of it kept on behalf of that peer.
type JournalID struct {
	Name string
	Peer string
}

// PeerJournal returns the ID of the copy of name kept for peer.
func PeerJournal(name, peer string) JournalID {
	return JournalID{Name: name, Peer: peer}
}

// String returns the display name, "name@peer" for peer journals. It is not
// unique, since a journal name may itself contain '@'; use DirName as a key.
func (id JournalID) String() string {
	if id.Peer == "" {
		return id.Name
	}
	return id.Name + "@" + id.Peer
}

// DirName maps the ID to a directory name that is safe on every filesystem.
// Names are hex encoded so that paths such as "/inventory/42" cannot escape
// the store directory. Peer journals use their own prefix, so no journal
// name maps to the directory of a peer journal.
func (id JournalID) DirName() string {
	if id.Peer == "" {
		return "j-" + hex.EncodeToString([]byte(id.Name))
	}
	return "p-" + hex.EncodeToString([]byte(id.Name)) + "." + hex.EncodeToString([]byte(id.Peer))
}

// SortJournalIDs orders ids by name, with each journal before its peer copies.
func SortJournalIDs(ids []JournalID) {
	slices.SortFunc(ids, func(a, b JournalID) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Peer, b.Peer)
	})
}

// JournalDirName is the directory name of the journal of an actor path.
func JournalDirName(name string) string {
	return JournalID{Name: name}.DirName()
}

// ParseJournalDirName is the inverse of JournalID.DirName.
func ParseJournalDirName(dir string) (JournalID, error) {
	switch {
	case strings.HasPrefix(dir, "j-"):
		name, err := hex.DecodeString(strings.TrimPrefix(dir, "j-"))
		if err != nil {
			return JournalID{}, fmt.Errorf("invalid journal directory %s: %w", dir, err)
		}
		return JournalID{Name: string(name)}, nil
	case strings.HasPrefix(dir, "p-"):
		rawName, rawPeer, ok := strings.Cut(strings.TrimPrefix(dir, "p-"), ".")
		if !ok || rawPeer == "" {
			return JournalID{}, fmt.Errorf("invalid peer journal directory %s", dir)
		}
		name, err := hex.DecodeString(rawName)
		if err != nil {
			return JournalID{}, fmt.Errorf("invalid peer journal directory %s: %w", dir, err)
		}
		peer, err := hex.DecodeString(rawPeer)
		if err != nil {
			return JournalID{}, fmt.Errorf("invalid peer journal directory %s: %w", dir, err)
		}
		return JournalID{Name: string(name), Peer: string(peer)}, nil
	default:
		return JournalID{}, fmt.Errorf("directory %s is not a journal directory", dir)
	}
}
