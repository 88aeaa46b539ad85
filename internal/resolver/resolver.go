// Package resolver decides conflicts between a local pending write and the
// authoritative remote state of the same entity. Last write wins: versions
// are compared first, timestamps break the tie when version metadata is
// missing, and exact ties go to the remote so every client converges on the
// same answer.
package resolver

import "time"

// Winner names which side a decision kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Candidate is one side of a conflict.
type Candidate struct {
	Payload      []byte
	Version      int64 // 0 means no version metadata
	LastModified time.Time
}

// Decision is the resolver's verdict plus the state to cache and redispatch.
type Decision struct {
	Winner Winner
	// Payload is the surviving payload. For a local win it is the local
	// write; for a remote win it is the authoritative remote snapshot.
	Payload []byte
	// Version is the version to attach to the surviving state. A local win
	// claims remote version + 1 so the redispatch supersedes the remote.
	Version int64
	// Reason is a short machine-readable tag for the event trail.
	Reason string
}

// Resolve applies last-write-wins between a rejected local write and the
// remote state that rejected it. Version numbers are only comparable when
// both sides carry one; a versionless side (legacy record) forces the
// timestamp fallback.
func Resolve(local, remote Candidate) Decision {
	if local.Version != 0 && remote.Version != 0 {
		switch {
		case local.Version > remote.Version:
			return localWins(local, remote, "version_newer")
		case local.Version < remote.Version:
			return remoteWins(remote, "version_older")
		default:
			// Equal versions with different payloads: both sides edited the
			// same base. The local edit is the later write from this
			// client's point of view, so it wins and bumps the version.
			return localWins(local, remote, "version_equal_local_edit")
		}
	}

	// Version metadata missing on at least one side: compare timestamps.
	if local.LastModified.After(remote.LastModified) {
		return localWins(local, remote, "timestamp_newer")
	}
	// Older or identical timestamps concede to the remote. Ties must resolve
	// the same way on every client, and the remote copy is the one every
	// other client already sees.
	return remoteWins(remote, "timestamp_tie_or_older")
}

func localWins(local, remote Candidate, reason string) Decision {
	version := remote.Version + 1
	if local.Version > remote.Version {
		version = local.Version
	}
	return Decision{
		Winner:  WinnerLocal,
		Payload: local.Payload,
		Version: version,
		Reason:  reason,
	}
}

func remoteWins(remote Candidate, reason string) Decision {
	return Decision{
		Winner:  WinnerRemote,
		Payload: remote.Payload,
		Version: remote.Version,
		Reason:  reason,
	}
}
