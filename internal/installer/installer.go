// Package installer places extracted packages onto mounted partitions.
//
// Every file and link goes through the run's conflict tracker before it is
// written; directories are shared and created on demand.
package installer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/jgarman/image-placer/internal/plan"
	"github.com/sirupsen/logrus"
)

// Install copies the extracted tree of pkg from scratchRoot onto t, in
// archive order.
func Install(ctx context.Context, t *Target, pkg *plan.Package, scratchRoot string) error {
	log := t.Log.WithFields(logrus.Fields{
		"partition": t.Partition,
		"package":   pkg.Name(),
	})
	log.WithField("destination", pkg.InstallRoot()).Info("Installing package")

	owner := pkg.Owner()
	files := 0
	for _, e := range pkg.Archive.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, ok := pkg.RelPath(e.Name)
		if !ok {
			continue
		}
		imagePath := path.Join(pkg.Spec.TargetDirectory, rel)
		src := filepath.Join(scratchRoot, filepath.FromSlash(e.Name))
		allowed := pkg.Spec.MayOverwrite(rel)

		switch {
		case e.IsDir:
			if err := t.MkdirAll(imagePath, dirMode(e.Mode)); err != nil {
				return err
			}
			continue
		case e.IsSymlink:
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("unable to read extracted link %s: %w", e.Name, err)
			}
			if err := t.Symlink(ctx, imagePath, owner, allowed, target); err != nil {
				return err
			}
		default:
			info, err := os.Stat(src)
			if err != nil {
				return fmt.Errorf("unable to read extracted file %s: %w", e.Name, err)
			}
			if err := t.CopyFile(ctx, imagePath, owner, allowed, src, info.Mode()); err != nil {
				return err
			}
		}
		files++
		log.WithField("path", imagePath).Debug("Placed file")
	}

	log.WithField("files", files).Info("Package installed")
	return nil
}

func dirMode(mode os.FileMode) os.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm | 0700
	}
	return 0755
}
