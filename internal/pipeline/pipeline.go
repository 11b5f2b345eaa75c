// Package pipeline orchestrates one comparison run: load incidents, download
// both renditions per aligned bucket, extract, match and merge, then write
// the report files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/domain"
	"github.com/couchcryptid/mrms-compare/internal/extract"
	"github.com/couchcryptid/mrms-compare/internal/fetch"
	"github.com/couchcryptid/mrms-compare/internal/grid"
	"github.com/couchcryptid/mrms-compare/internal/observability"
)

// IncidentSource lists ground-truth incidents for one run mode.
type IncidentSource interface {
	ListIncidents(ctx context.Context, zeroValue bool) ([]domain.Incident, error)
}

// ArchiveSource names and downloads the compressed GRIB2 archive for an
// aligned bucket.
type ArchiveSource interface {
	FileName(bucket time.Time) string
	SourceURL(bucket time.Time) string
	Get(ctx context.Context, bucket time.Time) (fetch.AttemptResult, error)
}

// RasterSource downloads the NetCDF raster for an aligned bucket.
type RasterSource interface {
	SourceURL(bucket time.Time) string
	Get(ctx context.Context, bucket time.Time) (fetch.AttemptResult, error)
}

// MatchPublisher emits merged records to downstream consumers.
type MatchPublisher interface {
	PublishMatches(ctx context.Context, records []domain.MergedRecord) error
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Incidents IncidentSource
	Archives  ArchiveSource
	Rasters   RasterSource
	Fetcher   *fetch.Fetcher
	Grib      *extract.Grib
	NetCDF    *extract.NetCDF
	Publisher MatchPublisher // nil disables publishing
}

// Pipeline runs the comparison end to end.
type Pipeline struct {
	cfg       *config.Config
	incidents IncidentSource
	archives  ArchiveSource
	rasters   RasterSource
	fetcher   *fetch.Fetcher
	grib      *extract.Grib
	netcdf    *extract.NetCDF
	publisher MatchPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
}

// New creates a Pipeline with the given collaborators and observability.
func New(cfg *config.Config, deps Deps, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		incidents: deps.Incidents,
		archives:  deps.Archives,
		rasters:   deps.Rasters,
		fetcher:   deps.Fetcher,
		grib:      deps.Grib,
		netcdf:    deps.NetCDF,
		publisher: deps.Publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckReadiness returns nil once the run has started working through
// buckets, or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("comparison run has not processed any buckets yet")
	}
	return nil
}

// Summary reports what one run produced. Prometheus counters remain the
// canonical totals; this feeds the final log line and tests.
type Summary struct {
	Mode            string
	Incidents       int
	Buckets         int
	Records         int
	GribAvailable   int
	NetCDFAvailable int
	Duration        time.Duration
}

// runIndexes holds the nearest-cell indexes built once per run from the
// sample products. Every bucket is matched against this geometry.
type runIndexes struct {
	mesh        *grid.Curvilinear
	curvilinear *grid.CurvilinearResolver
	regular     *grid.RegularResolver
}

// runState accumulates one run's outputs across buckets.
type runState struct {
	records       []domain.MergedRecord
	gribFormats   map[string]any
	netcdfFormats map[string]any
}

// Run executes one comparison over the selected incident subset. Buckets
// degrade to partial records on missing artifacts; only run-level
// preconditions (incident query, sample grids, report writes) abort.
func (p *Pipeline) Run(ctx context.Context, zeroValue bool) (*Summary, error) {
	start := domain.Now()
	defer func() {
		p.metrics.RunDuration.Observe(domain.Now().Sub(start).Seconds())
	}()

	mode := "non-zero"
	if zeroValue {
		mode = "zero"
	}
	p.logger.Info("comparison run starting", "mode", mode, "table", p.cfg.IncidentTable, "limit", p.cfg.IncidentLimit)

	incidents, err := p.incidents.ListIncidents(ctx, zeroValue)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	p.metrics.IncidentsLoaded.Add(float64(len(incidents)))
	if len(incidents) == 0 {
		p.logger.Warn("no incidents matched the query, nothing to compare", "mode", mode)
		return &Summary{Mode: mode}, nil
	}

	buckets, groups := domain.GroupByBucket(incidents)
	p.logger.Info("incidents grouped", "incidents", len(incidents), "buckets", len(buckets))

	if err := os.MkdirAll(p.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	p.logger.Info("downloading grib archives", "buckets", len(buckets))
	archiveOutcomes := p.downloadAll(ctx, buckets, p.archiveRequest)
	p.logger.Info("downloading netcdf rasters", "buckets", len(buckets))
	rasterOutcomes := p.downloadAll(ctx, buckets, p.rasterRequest)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	idx, err := p.loadSampleGrids(ctx)
	if err != nil {
		return nil, err
	}

	// Artifacts advance pending -> downloaded -> extracted per bucket;
	// matching and merging then run over whatever survived, so a record can
	// be complete, partial, or bare database fields.
	state := &runState{
		records:       make([]domain.MergedRecord, 0, len(incidents)),
		gribFormats:   make(map[string]any, len(buckets)),
		netcdfFormats: make(map[string]any, len(buckets)),
	}
	for i, bucket := range buckets {
		p.processBucket(bucket, groups[bucket], idx, archiveOutcomes[i], rasterOutcomes[i], state)
		p.metrics.BucketsProcessed.Inc()
		p.ready.Store(true)
	}
	p.metrics.RecordsMerged.Add(float64(len(state.records)))

	if p.publisher != nil {
		if err := p.publisher.PublishMatches(ctx, state.records); err != nil {
			p.logger.Error("publishing matched records failed", "error", err, "records", len(state.records))
		} else {
			p.metrics.MatchesPublished.Add(float64(len(state.records)))
		}
	}

	if err := p.writeReports(zeroValue, state); err != nil {
		return nil, err
	}

	summary := &Summary{
		Mode:            mode,
		Incidents:       len(incidents),
		Buckets:         len(buckets),
		Records:         len(state.records),
		GribAvailable:   len(state.gribFormats),
		NetCDFAvailable: len(state.netcdfFormats),
		Duration:        domain.Now().Sub(start),
	}
	p.logger.Info("comparison run finished",
		"mode", summary.Mode,
		"incidents", summary.Incidents,
		"buckets", summary.Buckets,
		"records", summary.Records,
		"grib_available", summary.GribAvailable,
		"netcdf_available", summary.NetCDFAvailable,
		"elapsed", summary.Duration)
	return summary, nil
}

// downloadAll fetches one artifact per bucket. Outcomes are positional:
// outcome i belongs to buckets[i], which is the only sharing between the
// download goroutines; the fetcher's semaphore bounds how many run at once.
func (p *Pipeline) downloadAll(ctx context.Context, buckets []time.Time, build func(time.Time) fetch.Request) []fetch.Outcome {
	outcomes := make([]fetch.Outcome, len(buckets))
	var wg sync.WaitGroup
	for i, bucket := range buckets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = p.fetcher.Fetch(ctx, build(bucket))
		}()
	}
	wg.Wait()
	return outcomes
}

func (p *Pipeline) archiveRequest(bucket time.Time) fetch.Request {
	return fetch.Request{
		Key:      p.archives.SourceURL(bucket),
		Source:   "noaa",
		Get:      func(ctx context.Context) (fetch.AttemptResult, error) { return p.archives.Get(ctx, bucket) },
		Validate: extract.ValidArchive,
		DestPath: filepath.Join(p.cfg.DataDir, p.archives.FileName(bucket)),
	}
}

func (p *Pipeline) rasterRequest(bucket time.Time) fetch.Request {
	return fetch.Request{
		Key:      p.rasters.SourceURL(bucket),
		Source:   "iem",
		Get:      func(ctx context.Context) (fetch.AttemptResult, error) { return p.rasters.Get(ctx, bucket) },
		Validate: p.netcdf.Valid,
	}
}

// loadSampleGrids builds the per-run indexes from the sample products: the
// curvilinear mesh expanded from the sample archive's axes, and the regular
// axes read from the sample raster. Failure of either aborts the run.
func (p *Pipeline) loadSampleGrids(ctx context.Context) (*runIndexes, error) {
	bucket := domain.AlignToBucket(p.cfg.SampleGridTime)

	sample, err := p.sampleArchive(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("sample archive: %w", err)
	}
	mesh, err := grid.FromAxes(sample.Lats, sample.Lons)
	if err != nil {
		return nil, fmt.Errorf("build mesh: %w", err)
	}

	raster, err := p.sampleRaster(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("sample raster: %w", err)
	}
	regular, err := grid.NewRegular(raster.Lats, raster.Lons)
	if err != nil {
		return nil, fmt.Errorf("build axes: %w", err)
	}

	rows, cols := mesh.Shape()
	p.logger.Info("sample grids ready",
		"mesh_rows", rows, "mesh_cols", cols,
		"axis_lats", len(regular.Lats), "axis_lons", len(regular.Lons))
	return &runIndexes{
		mesh:        mesh,
		curvilinear: &grid.CurvilinearResolver{Index: grid.NewKDIndex(mesh)},
		regular:     &grid.RegularResolver{Grid: regular},
	}, nil
}

func (p *Pipeline) sampleArchive(ctx context.Context, bucket time.Time) (*extract.GribData, error) {
	path := p.cfg.SampleGribPath
	if path == "" {
		out := p.fetcher.Fetch(ctx, p.archiveRequest(bucket))
		if out.Status != fetch.StatusOK && out.Status != fetch.StatusCached {
			return nil, outcomeError(out)
		}
		path = out.Path
	}
	return p.grib.ExtractFile(path)
}

func (p *Pipeline) sampleRaster(ctx context.Context, bucket time.Time) (*extract.NetCDFData, error) {
	if p.cfg.SampleGridPath != "" {
		payload, err := os.ReadFile(p.cfg.SampleGridPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.cfg.SampleGridPath, err)
		}
		return p.netcdf.ExtractBytes(payload)
	}
	out := p.fetcher.Fetch(ctx, p.rasterRequest(bucket))
	if out.Status != fetch.StatusOK {
		return nil, outcomeError(out)
	}
	return p.netcdf.ExtractBytes(out.Payload)
}

func outcomeError(out fetch.Outcome) error {
	if out.Err != nil {
		return fmt.Errorf("%s: %s: %w", out.Key, out.Status, out.Err)
	}
	return fmt.Errorf("%s: %s", out.Key, out.Status)
}

// processBucket extracts whatever artifacts the bucket has, matches every
// incident against them and appends the merged records.
func (p *Pipeline) processBucket(bucket time.Time, incidents []domain.Incident, idx *runIndexes, archive, raster fetch.Outcome, state *runState) {
	gribData := p.extractArchive(bucket, archive, idx)
	ncData := p.extractRaster(bucket, raster, idx)

	if gribData != nil {
		state.gribFormats[p.archives.FileName(bucket)] = gribData.Metadata
	}
	if ncData != nil {
		state.netcdfFormats[domain.NetCDFTimeKey(bucket)] = ncData.Metadata
	}

	var ncMatches []domain.MatchResult
	if ncData != nil {
		lats := make([]float64, len(incidents))
		lons := make([]float64, len(incidents))
		for i, inc := range incidents {
			lats[i], lons[i] = inc.Lat, inc.Lon
		}
		ncMatches = idx.regular.ResolveBatch(lats, lons, ncData.Values)
	}

	for i, inc := range incidents {
		rec := baseRecord(inc, bucket, p.archives.SourceURL(bucket), p.rasters.SourceURL(bucket))
		if gribData != nil {
			match := idx.curvilinear.Resolve(inc.Lat, inc.Lon, gribData.Rate)
			accum := grid.ValidValue(gribData.Accum.Get(match.Row, match.Col))
			addGribFields(rec, match, accum, gribData.Metadata)
		}
		if ncData != nil {
			addNetCDFFields(rec, ncMatches[i], ncData.Variable, ncData.Metadata)
		}
		state.records = append(state.records, rec)
	}

	p.logger.Info("bucket processed",
		"bucket", domain.NetCDFTimeKey(bucket),
		"incidents", len(incidents),
		"grib_available", gribData != nil,
		"netcdf_available", ncData != nil)
}

// extractArchive turns a bucket's archive outcome into decoded grid data, or
// nil when the artifact is missing, unreadable or the wrong shape.
func (p *Pipeline) extractArchive(bucket time.Time, out fetch.Outcome, idx *runIndexes) *extract.GribData {
	key := domain.NetCDFTimeKey(bucket)
	switch out.Status {
	case fetch.StatusOK, fetch.StatusCached:
	default:
		p.metrics.Extractions.WithLabelValues("grib2", "missing").Inc()
		p.logger.Warn("grib archive unavailable", "bucket", key, "status", out.Status)
		return nil
	}
	if _, err := os.Stat(out.Path); err != nil {
		p.metrics.Extractions.WithLabelValues("grib2", "missing").Inc()
		p.logger.Warn("grib archive file missing", "bucket", key, "path", out.Path)
		return nil
	}

	data, err := p.grib.ExtractFile(out.Path)
	if err != nil {
		p.metrics.Extractions.WithLabelValues("grib2", "error").Inc()
		if errors.Is(err, extract.ErrRecordNotFound) {
			p.logger.Warn("archive has no precip rate record", "bucket", key, "path", out.Path)
		} else {
			p.logger.Warn("grib extraction failed", "bucket", key, "error", err)
		}
		return nil
	}

	rows, cols := idx.mesh.Shape()
	if data.Rate.Shape[0] != rows || data.Rate.Shape[1] != cols {
		p.metrics.Extractions.WithLabelValues("grib2", "error").Inc()
		p.logger.Warn("archive grid differs from sample mesh", "bucket", key, "shape", data.Rate.Shape)
		return nil
	}
	p.metrics.Extractions.WithLabelValues("grib2", "ok").Inc()
	return data
}

// extractRaster turns a bucket's raster outcome into decoded grid data, or
// nil when the artifact is missing, unreadable or the wrong shape.
func (p *Pipeline) extractRaster(bucket time.Time, out fetch.Outcome, idx *runIndexes) *extract.NetCDFData {
	key := domain.NetCDFTimeKey(bucket)
	if out.Status != fetch.StatusOK {
		p.metrics.Extractions.WithLabelValues("netcdf", "missing").Inc()
		p.logger.Warn("netcdf raster unavailable", "bucket", key, "status", out.Status)
		return nil
	}

	data, err := p.netcdf.ExtractBytes(out.Payload)
	if err != nil {
		p.metrics.Extractions.WithLabelValues("netcdf", "error").Inc()
		p.logger.Warn("netcdf extraction failed", "bucket", key, "error", err)
		return nil
	}

	if data.Values.Shape[0] != len(idx.regular.Grid.Lats) || data.Values.Shape[1] != len(idx.regular.Grid.Lons) {
		p.metrics.Extractions.WithLabelValues("netcdf", "error").Inc()
		p.logger.Warn("raster grid differs from sample axes", "bucket", key, "shape", data.Values.Shape)
		return nil
	}
	p.metrics.Extractions.WithLabelValues("netcdf", "ok").Inc()
	return data
}
