package transfer

import (
	"context"
	"math"

	"github.com/italolelis/mediabridge/internal/release"
)

// Client manages the torrent lifecycle against one transfer backend. Each
// call is a single synchronous request/response cycle; the implementation may
// perform at most one internal re-login retry on top of that. The session
// credential is owned by the client instance and never shared.
type Client interface {
	GetTransfers(ctx context.Context, filter string) ([]Transfer, error)
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Delete(ctx context.Context, hash string, purgeFiles bool) error
	TransferStats(ctx context.Context) (*Stats, error)
}

// Indexer queries the search backend and forwards chosen releases to a
// download client. Authentication is stateless: a static API key per request.
type Indexer interface {
	Search(ctx context.Context, query string, categories []int, limit int, sortBy release.SortBy) ([]release.Release, error)
	Grab(ctx context.Context, indexerID int, guid string, downloadClientID int) error
	TestConnection(ctx context.Context) bool
}

// Transfer is one download-queue item. It is an immutable snapshot: each poll
// fetches a fresh set that fully replaces the previous one, there is no
// incremental merge.
type Transfer struct {
	Hash              string
	Name              string
	Size              int64
	Progress          int   // 0-100
	DownloadSpeed     int64 // bytes/s
	UploadSpeed       int64 // bytes/s
	SeedsTotal        int64 // advertised by the swarm
	SeedsConnected    int64
	LeechersTotal     int64
	LeechersConnected int64
	State             string
	ETA               int64 // seconds; -1 and 8640000 mean unknown/infinite
	Downloaded        int64
	Uploaded          int64
	Ratio             float64
}

// Stats is the backend's global rate snapshot.
type Stats struct {
	DownloadRate int64 `json:"dl_info_speed"`
	UploadRate   int64 `json:"up_info_speed"`
	DownloadData int64 `json:"dl_info_data"`
	UploadData   int64 `json:"up_info_data"`
}

// ProgressPercent converts the backend's 0.0-1.0 completion fraction to an
// integer percentage, rounded to nearest.
func ProgressPercent(fraction float64) int {
	return int(math.Round(fraction * 100))
}

// StateInfo classifies a raw backend state tag into the three independent
// lifecycle predicates plus a human label.
type StateInfo struct {
	Downloading bool
	Seeding     bool
	Paused      bool
	Label       string
}

// ClassifyState maps a raw state tag through the fixed classification table.
// Unrecognized tags classify as inactive with the raw tag echoed verbatim as
// the label.
func ClassifyState(state string) StateInfo {
	switch state {
	case "downloading":
		return StateInfo{Downloading: true, Label: "Downloading"}
	case "stalledDL":
		return StateInfo{Downloading: true, Label: "Stalled"}
	case "forcedDL":
		return StateInfo{Downloading: true, Label: "Forced DL"}
	case "uploading", "stalledUP":
		return StateInfo{Seeding: true, Label: "Seeding"}
	case "forcedUP":
		return StateInfo{Seeding: true, Label: "Forced UP"}
	case "pausedDL", "pausedUP":
		return StateInfo{Paused: true, Label: "Paused"}
	case "queuedDL", "queuedUP":
		return StateInfo{Label: "Queued"}
	case "checkingDL", "checkingUP":
		return StateInfo{Label: "Checking"}
	case "error":
		return StateInfo{Label: "Error"}
	case "missingFiles":
		return StateInfo{Label: "Missing"}
	default:
		return StateInfo{Label: state}
	}
}

// StateInfo returns the classification of the transfer's current state tag.
func (t Transfer) StateInfo() StateInfo {
	return ClassifyState(t.State)
}

func (t Transfer) IsDownloading() bool { return t.StateInfo().Downloading }

func (t Transfer) IsSeeding() bool { return t.StateInfo().Seeding }

func (t Transfer) IsPaused() bool { return t.StateInfo().Paused }
