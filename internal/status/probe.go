package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"keygate/internal/blobstore"
)

// Lister is the backend surface the probe needs
type Lister interface {
	List(ctx context.Context, folder string, recursive bool) ([]blobstore.Entry, error)
}

// Report is the keep-alive document. Counts are best-effort and default
// to zero when a listing fails.
type Report struct {
	ServerTime    time.Time
	Uptime        time.Duration
	LicensesTotal int
	LoaderFiles   int
}

// Probe computes uptime and aggregate counts for liveness checks. It
// never fails: this surface exists purely so callers can tell the
// service is up.
type Probe struct {
	store      Lister
	logger     *slog.Logger
	licenseDir string
	loaderDir  string
	startedAt  time.Time
	now        func() time.Time
}

// NewProbe creates a status probe anchored at the current time
func NewProbe(store Lister, licenseDir, loaderDir string, logger *slog.Logger) *Probe {
	return &Probe{
		store:      store,
		logger:     logger.With(slog.String("component", "status_probe")),
		licenseDir: licenseDir,
		loaderDir:  loaderDir,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Status reports server time, uptime and folder counts. The two listings
// run concurrently; a failed listing counts as zero and the report is
// still returned. The bare group is deliberate so one failed folder does
// not cancel the other listing.
func (p *Probe) Status(ctx context.Context) *Report {
	report := &Report{
		ServerTime: p.now(),
		Uptime:     p.now().Sub(p.startedAt),
	}

	var g errgroup.Group
	g.Go(func() error {
		n, err := p.count(ctx, p.licenseDir)
		report.LicensesTotal = n
		return err
	})
	g.Go(func() error {
		n, err := p.count(ctx, p.loaderDir)
		report.LoaderFiles = n
		return err
	})
	if err := g.Wait(); err != nil {
		p.logger.WarnContext(ctx, "status counts degraded",
			slog.String("error", err.Error()))
	}

	return report
}

func (p *Probe) count(ctx context.Context, folder string) (int, error) {
	entries, err := p.store.List(ctx, folder, false)
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", folder, err)
	}
	return len(entries), nil
}
