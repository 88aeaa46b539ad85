package resolver

import (
	"testing"
	"time"
)

func TestResolveVersionComparison(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name        string
		local       Candidate
		remote      Candidate
		wantWinner  Winner
		wantVersion int64
		wantPayload string
	}{
		{
			name:        "local ahead wins with its own version",
			local:       Candidate{Payload: []byte(`{"v":"local"}`), Version: 5, LastModified: now},
			remote:      Candidate{Payload: []byte(`{"v":"remote"}`), Version: 3, LastModified: now},
			wantWinner:  WinnerLocal,
			wantVersion: 5,
			wantPayload: `{"v":"local"}`,
		},
		{
			name:        "remote ahead wins",
			local:       Candidate{Payload: []byte(`{"v":"local"}`), Version: 3, LastModified: now.Add(time.Hour)},
			remote:      Candidate{Payload: []byte(`{"v":"remote"}`), Version: 4, LastModified: now},
			wantWinner:  WinnerRemote,
			wantVersion: 4,
			wantPayload: `{"v":"remote"}`,
		},
		{
			name:        "equal versions keep local edit and bump",
			local:       Candidate{Payload: []byte(`{"v":"local"}`), Version: 3, LastModified: now},
			remote:      Candidate{Payload: []byte(`{"v":"remote"}`), Version: 3, LastModified: now.Add(time.Hour)},
			wantWinner:  WinnerLocal,
			wantVersion: 4,
			wantPayload: `{"v":"local"}`,
		},
		{
			name:        "version beats timestamp even when remote timestamp is newer",
			local:       Candidate{Payload: []byte(`{"v":"local"}`), Version: 9, LastModified: now.Add(-24 * time.Hour)},
			remote:      Candidate{Payload: []byte(`{"v":"remote"}`), Version: 2, LastModified: now},
			wantWinner:  WinnerLocal,
			wantVersion: 9,
			wantPayload: `{"v":"local"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(tt.local, tt.remote)
			if d.Winner != tt.wantWinner {
				t.Errorf("Winner = %s, want %s", d.Winner, tt.wantWinner)
			}
			if d.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", d.Version, tt.wantVersion)
			}
			if string(d.Payload) != tt.wantPayload {
				t.Errorf("Payload = %s, want %s", d.Payload, tt.wantPayload)
			}
		})
	}
}

func TestResolveTimestampFallback(t *testing.T) {
	now := time.Now().UTC()

	local := Candidate{Payload: []byte(`{"v":"local"}`), LastModified: now.Add(time.Second)}
	remote := Candidate{Payload: []byte(`{"v":"remote"}`), LastModified: now}
	if d := Resolve(local, remote); d.Winner != WinnerLocal {
		t.Errorf("newer local timestamp: winner = %s, want local", d.Winner)
	}

	local = Candidate{Payload: []byte(`{"v":"local"}`), LastModified: now}
	remote = Candidate{Payload: []byte(`{"v":"remote"}`), LastModified: now.Add(time.Second)}
	if d := Resolve(local, remote); d.Winner != WinnerRemote {
		t.Errorf("newer remote timestamp: winner = %s, want remote", d.Winner)
	}
}

func TestResolveVersionMissingOnOneSideUsesTimestamps(t *testing.T) {
	now := time.Now().UTC()

	// A versionless local record cannot be compared against a remote
	// version number; the later timestamp decides.
	local := Candidate{Payload: []byte(`{"v":"local"}`), Version: 0, LastModified: now.Add(time.Minute)}
	remote := Candidate{Payload: []byte(`{"v":"remote"}`), Version: 5, LastModified: now}
	d := Resolve(local, remote)
	if d.Winner != WinnerLocal {
		t.Errorf("versionless local with newer timestamp: winner = %s, want local", d.Winner)
	}
	if d.Reason != "timestamp_newer" {
		t.Errorf("Reason = %s, want timestamp_newer", d.Reason)
	}
	if d.Version != 6 {
		t.Errorf("Version = %d, want remote+1", d.Version)
	}

	local = Candidate{Payload: []byte(`{"v":"local"}`), Version: 7, LastModified: now}
	remote = Candidate{Payload: []byte(`{"v":"remote"}`), Version: 0, LastModified: now.Add(time.Minute)}
	d = Resolve(local, remote)
	if d.Winner != WinnerRemote {
		t.Errorf("versionless remote with newer timestamp: winner = %s, want remote", d.Winner)
	}
	if d.Reason != "timestamp_tie_or_older" {
		t.Errorf("Reason = %s, want timestamp_tie_or_older", d.Reason)
	}
}

func TestResolveExactTimestampTieGoesToRemote(t *testing.T) {
	now := time.Now().UTC()
	local := Candidate{Payload: []byte(`{"v":"local"}`), LastModified: now}
	remote := Candidate{Payload: []byte(`{"v":"remote"}`), LastModified: now}

	d := Resolve(local, remote)
	if d.Winner != WinnerRemote {
		t.Errorf("tie winner = %s, want remote (deterministic across clients)", d.Winner)
	}
	if string(d.Payload) != `{"v":"remote"}` {
		t.Errorf("tie payload = %s, want remote snapshot", d.Payload)
	}
}

func TestResolveLocalWinBumpsVersionPastRemote(t *testing.T) {
	d := Resolve(
		Candidate{Payload: []byte(`{}`), Version: 3},
		Candidate{Payload: []byte(`{}`), Version: 3},
	)
	if d.Version != 4 {
		t.Errorf("Version = %d, want remote+1 so the redispatch supersedes", d.Version)
	}
}
