// Package placer runs one placement: it validates the configuration,
// plans and checks capacity, stages every package onto a working copy of
// the image and commits it, or leaves source and target as they were.
package placer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/jgarman/image-placer/internal/archive"
	"github.com/jgarman/image-placer/internal/config"
	"github.com/jgarman/image-placer/internal/conflict"
	"github.com/jgarman/image-placer/internal/diskmanager"
	"github.com/jgarman/image-placer/internal/installer"
	"github.com/jgarman/image-placer/internal/plan"
	"github.com/jgarman/image-placer/internal/service"
	"github.com/jgarman/image-placer/internal/system"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errNotRoot = errors.New("the losetup backend must run as root, use loop-backend udisks otherwise")

// Options carries the collaborators of a run
type Options struct {
	Log logrus.FieldLogger

	// Mounter overrides the configured loop backend. The host tool check
	// is skipped when it is set.
	Mounter diskmanager.Mounter
}

// run holds the state of one placement
type run struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	plan    *plan.InstallPlan
	planner *plan.CapacityPlanner

	scratch string
	// extracted tree of each package, by plan index
	extracted []string
	// prepared service unit of each package, by plan index
	services []*service.Prepared
}

// Run executes the placement described by cfg. Any error leaves the source
// untouched and the target exactly as it was found.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := plan.Build(cfg)
	if err != nil {
		return err
	}

	r := &run{cfg: cfg, log: log, plan: p, planner: plan.NewCapacityPlanner()}
	if err := r.checkImage(); err != nil {
		return err
	}

	mounter := opts.Mounter
	if mounter == nil {
		if err := system.CheckTools(diskmanager.RequiredTools(cfg.LoopBackend)...); err != nil {
			return &diskmanager.ImageIOError{Op: "check host tools", Path: cfg.ImagePath(), Err: err}
		}
		if cfg.LoopBackend == config.BackendLosetup && !system.IsRoot() {
			return &diskmanager.ImageIOError{Op: "check privileges", Path: cfg.ImagePath(), Err: errNotRoot}
		}
		if mounter, err = diskmanager.NewMounter(cfg.LoopBackend, log); err != nil {
			return err
		}
	}

	if err := r.makeScratch(); err != nil {
		return err
	}
	defer r.removeScratch()

	if err := r.preflight(ctx); err != nil {
		return err
	}

	session := diskmanager.NewSession(diskmanager.Options{
		Source:     cfg.Source,
		Target:     cfg.Target,
		NoClone:    cfg.NoClone,
		Overwrite:  cfg.Overwrite,
		Partitions: p.Partitions,
		MountRoot:  filepath.Join(r.scratch, "mnt"),
	}, mounter, log)
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Error("Failed to clean up working image")
		}
	}()

	if err := session.Acquire(ctx); err != nil {
		return err
	}
	roots, err := session.MountAll(ctx)
	if err != nil {
		return err
	}
	free, err := session.FreeSpace()
	if err != nil {
		return err
	}
	if err := r.planner.CheckFree(p, free); err != nil {
		return err
	}

	if err := r.stage(ctx, roots); err != nil {
		return err
	}

	if err := session.MarkStaged(); err != nil {
		return err
	}
	if err := session.Commit(ctx); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"target":     cfg.Target,
		"packages":   len(p.Packages),
		"partitions": len(p.Partitions),
	}).Info("Placement complete")
	return nil
}

// checkImage reads the partition table and rejects plans that cannot fit
// before anything is copied.
func (r *run) checkImage() error {
	info, err := diskmanager.Inspect(r.cfg.ImagePath())
	if err != nil {
		return err
	}
	for _, n := range r.plan.Partitions {
		if _, err := info.Partition(n); err != nil {
			return err
		}
	}

	r.log.WithFields(logrus.Fields{
		"image":      info.Path,
		"table":      info.Table,
		"partitions": len(info.Partitions),
	}).Debug("Inspected image")
	return r.planner.CheckImage(r.plan, info.Size, info.PartitionSizes())
}

// makeScratch creates the run's private directory
func (r *run) makeScratch() error {
	base := r.cfg.ScratchDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "image-placer-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Join(dir, "packages"), 0700); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	r.scratch = dir
	return nil
}

// removeScratch deletes extracted packages. Mount points are only removed
// when empty so that a partition left mounted is never walked into.
func (r *run) removeScratch() {
	if err := os.RemoveAll(filepath.Join(r.scratch, "packages")); err != nil {
		r.log.WithError(err).Warn("Failed to remove extracted packages")
	}
	os.Remove(filepath.Join(r.scratch, "mnt"))
	if err := os.Remove(r.scratch); err != nil && !os.IsNotExist(err) {
		r.log.WithError(err).WithField("path", r.scratch).Warn("Scratch directory left behind")
	}
}

// preflight extracts every package and prepares its service unit, without
// touching the image.
func (r *run) preflight(ctx context.Context) error {
	r.extracted = make([]string, len(r.plan.Packages))
	r.services = make([]*service.Prepared, len(r.plan.Packages))

	for _, pkg := range r.plan.Packages {
		dir := filepath.Join(r.scratch, "packages", strconv.Itoa(pkg.Index))
		if err := archive.Extract(ctx, pkg.Spec.PackagePath, dir); err != nil {
			return err
		}
		r.extracted[pkg.Index] = dir

		if !pkg.Spec.EnableServices {
			continue
		}
		if err := service.ValidateSuffix(pkg.Spec.ServiceNameSuffix); err != nil {
			return err
		}

		var units []string
		for _, e := range pkg.ServiceUnits() {
			units = append(units, e.Name)
		}
		prepared, err := service.Prepare(service.Source{
			Package: pkg.Name(),
			Units:   units,
			Suffix:  pkg.Spec.ServiceNameSuffix,
			Layout: service.Layout{
				ScratchRoot: dir,
				PackageDir:  pkg.TopLevel,
				ImageRoot:   pkg.Spec.TargetDirectory,
			},
		})
		if err != nil {
			return err
		}
		r.services[pkg.Index] = prepared
		r.log.WithFields(logrus.Fields{"package": pkg.Name(), "unit": prepared.Name}).Debug("Prepared service")
	}
	return nil
}

// stage installs every partition's entries. Partitions run concurrently up
// to parallel-partitions; the first failure cancels the others.
func (r *run) stage(ctx context.Context, roots map[int]string) error {
	tracker := conflict.NewTracker()
	defer tracker.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.cfg.ParallelPartitions))
	for _, n := range r.plan.Partitions {
		target := &installer.Target{
			Root:      roots[n],
			Partition: n,
			Tracker:   tracker,
			Log:       r.log,
		}
		g.Go(func() error {
			return r.stagePartition(gctx, target)
		})
	}
	return g.Wait()
}

func (r *run) stagePartition(ctx context.Context, t *installer.Target) error {
	var enabled []*service.Prepared
	for _, e := range r.plan.ForPartition(t.Partition) {
		pkg := e.Package
		if err := installer.Install(ctx, t, pkg, r.extracted[pkg.Index]); err != nil {
			return err
		}

		prepared := r.services[pkg.Index]
		if prepared == nil {
			continue
		}
		rel, _ := pkg.RelPath(prepared.UnitPath)
		log := r.log.WithFields(logrus.Fields{"partition": t.Partition, "package": pkg.Name()})
		if err := service.Enable(ctx, t, prepared, pkg.Owner(), pkg.Spec.MayOverwrite(rel), log); err != nil {
			return err
		}
		enabled = append(enabled, prepared)
	}
	return service.CheckRequirements(t, enabled)
}
