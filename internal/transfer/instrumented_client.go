package transfer

import (
	"context"

	"github.com/italolelis/mediabridge/internal/release"
	"github.com/italolelis/mediabridge/internal/telemetry"
)

// InstrumentedClient wraps a transfer Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented transfer client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// GetTransfers retrieves the transfer snapshot with telemetry.
func (c *InstrumentedClient) GetTransfers(ctx context.Context, filter string) ([]Transfer, error) {
	var result []Transfer

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "get_transfers", func(ctx context.Context) error {
		result, err = c.client.GetTransfers(ctx, filter)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Pause pauses a transfer with telemetry.
func (c *InstrumentedClient) Pause(ctx context.Context, hash string) error {
	return c.instrumentCommand(ctx, "pause", func(ctx context.Context) error {
		return c.client.Pause(ctx, hash)
	})
}

// Resume resumes a transfer with telemetry.
func (c *InstrumentedClient) Resume(ctx context.Context, hash string) error {
	return c.instrumentCommand(ctx, "resume", func(ctx context.Context) error {
		return c.client.Resume(ctx, hash)
	})
}

// Delete removes a transfer with telemetry.
func (c *InstrumentedClient) Delete(ctx context.Context, hash string, purgeFiles bool) error {
	return c.instrumentCommand(ctx, "delete", func(ctx context.Context) error {
		return c.client.Delete(ctx, hash, purgeFiles)
	})
}

// TransferStats retrieves the global rate snapshot with telemetry.
func (c *InstrumentedClient) TransferStats(ctx context.Context) (*Stats, error) {
	var result *Stats

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "transfer_stats", func(ctx context.Context) error {
		result, err = c.client.TransferStats(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (c *InstrumentedClient) instrumentCommand(ctx context.Context, command string, fn func(ctx context.Context) error) error {
	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, command, fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	c.telemetry.RecordTransferCommand(ctx, command, status)

	return err
}

// InstrumentedIndexer wraps an Indexer with telemetry.
type InstrumentedIndexer struct {
	indexer    Indexer
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedIndexer creates a new instrumented indexer.
func NewInstrumentedIndexer(indexer Indexer, tel *telemetry.Telemetry, clientType string) *InstrumentedIndexer {
	return &InstrumentedIndexer{
		indexer:    indexer,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Search searches the indexer aggregator with telemetry.
func (c *InstrumentedIndexer) Search(
	ctx context.Context, query string, categories []int, limit int, sortBy release.SortBy,
) ([]release.Release, error) {
	var result []release.Release

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "search", func(ctx context.Context) error {
		result, err = c.indexer.Search(ctx, query, categories, limit, sortBy)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	c.telemetry.RecordSearch(ctx, "success")

	return result, nil
}

// Grab forwards a release to a download client with telemetry.
func (c *InstrumentedIndexer) Grab(ctx context.Context, indexerID int, guid string, downloadClientID int) error {
	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "grab", func(ctx context.Context) error {
		return c.indexer.Grab(ctx, indexerID, guid, downloadClientID)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	c.telemetry.RecordGrab(ctx, status)

	return err
}

// TestConnection probes the indexer aggregator with telemetry.
func (c *InstrumentedIndexer) TestConnection(ctx context.Context) bool {
	var ok bool

	_ = c.telemetry.InstrumentClientOperation(ctx, c.clientType, "test_connection", func(ctx context.Context) error {
		ok = c.indexer.TestConnection(ctx)

		return nil
	})

	return ok
}
