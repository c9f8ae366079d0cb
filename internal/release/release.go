package release

import (
	"sort"
	"time"
)

// Release is one search hit returned by the indexer aggregator. It is an
// immutable snapshot of the backend payload; the GUID is only unique within
// the originating indexer and its result-cache window.
type Release struct {
	GUID        string
	Title       string
	IndexerID   int
	Indexer     string
	Size        int64
	Seeders     *int64 // nil when the protocol has no swarm metrics
	Leechers    *int64
	DownloadURL string // direct fetch URL, may be empty
	MagnetURL   string // magnet link, may be empty
	InfoURL     string
	IMDBID      int64
	PublishDate time.Time // zero when the indexer reported none
	Categories  []Category
	Protocol    string
}

// Category is an indexer category tag attached to a release.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Actionable reports whether the release carries at least one retrieval
// locator. Releases without one are still listed, they just cannot be
// grabbed directly.
func (r Release) Actionable() bool {
	return r.DownloadURL != "" || r.MagnetURL != ""
}

// SortBy selects the client-side ordering applied to search results. The
// search backend has no server-side ordering, so the client compensates.
type SortBy string

const (
	SortBySeeders SortBy = "seeders"
	SortBySize    SortBy = "size"
	SortByDate    SortBy = "date"
)

// Sort orders releases in place, descending by the chosen key. The sort is
// stable: releases with equal keys keep the backend's original order. A nil
// seeder count ranks as zero; a missing publish date ranks below any real
// date.
func Sort(releases []Release, by SortBy) {
	switch by {
	case SortBySize:
		sort.SliceStable(releases, func(i, j int) bool {
			return releases[i].Size > releases[j].Size
		})
	case SortByDate:
		sort.SliceStable(releases, func(i, j int) bool {
			return releases[i].PublishDate.After(releases[j].PublishDate)
		})
	case SortBySeeders:
		sort.SliceStable(releases, func(i, j int) bool {
			return seederCount(releases[i]) > seederCount(releases[j])
		})
	}
}

func seederCount(r Release) int64 {
	if r.Seeders == nil {
		return 0
	}
	return *r.Seeders
}
