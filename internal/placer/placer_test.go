package placer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jgarman/image-placer/internal/archive"
	"github.com/jgarman/image-placer/internal/config"
	"github.com/jgarman/image-placer/internal/conflict"
	"github.com/jgarman/image-placer/internal/diskmanager"
	"github.com/jgarman/image-placer/internal/plan"
	"github.com/jgarman/image-placer/internal/service"
	"github.com/jgarman/image-placer/internal/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

type fixture struct {
	dir     string
	source  string
	target  string
	roots   map[int]string
	mounter *diskmanager.DirMounter
}

// newFixture builds a 10MiB GPT source image with the given partition
// sizes and a directory standing in for each partition.
func newFixture(t *testing.T, partitionSizes ...int64) *fixture {
	t.Helper()
	if len(partitionSizes) == 0 {
		partitionSizes = []int64{8 * mib}
	}
	dir := t.TempDir()
	f := &fixture{
		dir:    dir,
		source: filepath.Join(dir, "source.img"),
		target: filepath.Join(dir, "target.img"),
	}
	require.NoError(t, diskmanager.CreateImage(f.source, 10*mib, partitionSizes...))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "scratch"), 0755))
	f.remount(t, len(partitionSizes))
	return f
}

// remount gives the next run fresh, empty partition directories
func (f *fixture) remount(t *testing.T, partitions int) {
	t.Helper()
	f.roots = make(map[int]string)
	for n := 1; n <= partitions; n++ {
		root, err := os.MkdirTemp(f.dir, "partition-")
		require.NoError(t, err)
		f.roots[n] = root
	}
	f.mounter = diskmanager.NewDirMounter(f.roots)
}

func (f *fixture) config(packages ...config.PackageConfig) *config.Config {
	cfg := config.Default()
	cfg.Source = f.source
	cfg.Target = f.target
	cfg.PartitionNumbers = []int{1}
	cfg.ScratchDir = filepath.Join(f.dir, "scratch")
	cfg.Packages = packages
	return cfg
}

func (f *fixture) run(t *testing.T, cfg *config.Config) error {
	t.Helper()
	log, _ := test.NewNullLogger()
	return Run(context.Background(), cfg, Options{Log: log, Mounter: f.mounter})
}

func (f *fixture) assertNoTarget(t *testing.T) {
	t.Helper()
	_, err := os.Stat(f.target)
	assert.True(t, os.IsNotExist(err), "target must not exist")
}

func (f *fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.dir, "scratch"))
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory left behind")
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func servicePackage(t *testing.T, dir, name string) string {
	return testutil.Zip(t, dir, name,
		testutil.Dir("app/"),
		testutil.Exec("app/run", "#!/bin/sh\n"),
		testutil.Link("app/current", "run"),
		testutil.File("app/app.service", testutil.Unit("./run")),
	)
}

func TestRunInstallsPackages(t *testing.T) {
	f := newFixture(t)
	sourceBefore := readFile(t, f.source)

	app := servicePackage(t, f.dir, "app.zip")
	conf := testutil.Zip(t, f.dir, "conf.zip",
		testutil.File("conf/etc/app.conf", "port=80\n"),
	)

	cfg := f.config(config.PackageConfig{
		PackagePath:       app,
		EnableServices:    true,
		ServiceNameSuffix: "blue",
		TargetDirectory:   "/opt",
	})
	cfg.ConfigurationPackages = []config.ConfigurationPackage{{PackagePath: conf}}

	require.NoError(t, f.run(t, cfg))

	assert.Equal(t, sourceBefore, readFile(t, f.target))
	assert.Equal(t, sourceBefore, readFile(t, f.source))

	root := f.roots[1]
	assert.Equal(t, "#!/bin/sh\n", readFile(t, filepath.Join(root, "opt/app/run")))
	assert.Equal(t, "port=80\n", readFile(t, filepath.Join(root, "etc/app.conf")))

	link, err := os.Readlink(filepath.Join(root, "opt/app/current"))
	require.NoError(t, err)
	assert.Equal(t, "run", link)

	unit := readFile(t, filepath.Join(root, "etc/systemd/system/app-blue.service"))
	assert.Contains(t, unit, "ExecStart=/opt/app/run --verbose")
	assert.Contains(t, unit, "WorkingDirectory=/opt/app/")
	assert.Equal(t, unit, readFile(t, filepath.Join(root, "opt/app/app.service")))

	autostart, err := os.Readlink(filepath.Join(root, "etc/systemd/system/multi-user.target.wants/app-blue.service"))
	require.NoError(t, err)
	assert.Equal(t, "../app-blue.service", autostart)

	assert.Equal(t, 1, f.mounter.Detaches)
	assert.Equal(t, 0, f.mounter.Mounted())
	f.assertScratchEmpty(t)
}

func TestRunRejectsLinkedUnit(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "host.service")
	unit := testutil.Unit("./run")
	require.NoError(t, os.WriteFile(outside, []byte(unit), 0644))
	pkg := testutil.Zip(t, f.dir, "app.zip",
		testutil.Exec("app/run", "x"),
		testutil.Link("app/app.service", outside),
	)

	err := f.run(t, f.config(config.PackageConfig{PackagePath: pkg, EnableServices: true}))

	var extractErr *archive.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.ErrorIs(t, err, archive.ErrUnsafePath)
	assert.Equal(t, unit, readFile(t, outside))
	f.assertNoTarget(t)
	f.assertScratchEmpty(t)
}

func TestRunServiceNameConflict(t *testing.T) {
	f := newFixture(t)
	first := testutil.Zip(t, f.dir, "pa.zip",
		testutil.Exec("pa/run", "a"),
		testutil.File("pa/svc.service", testutil.Unit("./run")),
	)
	second := testutil.Zip(t, f.dir, "pb.zip",
		testutil.Exec("pb/run", "b"),
		testutil.File("pb/svc.service", testutil.Unit("./run")),
	)

	err := f.run(t, f.config(
		config.PackageConfig{PackagePath: first, EnableServices: true},
		config.PackageConfig{PackagePath: second, EnableServices: true},
	))
	var conflictErr *conflict.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "/etc/systemd/system/svc.service", conflictErr.Path)
	assert.Equal(t, "pa.zip #1", conflictErr.Owner)
	assert.Equal(t, "pb.zip #2", conflictErr.Intruder)
	f.assertNoTarget(t)

	f.remount(t, 1)
	require.NoError(t, f.run(t, f.config(
		config.PackageConfig{PackagePath: first, EnableServices: true},
		config.PackageConfig{PackagePath: second, EnableServices: true, OverwriteFiles: []string{"/pb/svc.service"}},
	)))
	installed := readFile(t, filepath.Join(f.roots[1], "etc/systemd/system/svc.service"))
	assert.Contains(t, installed, "ExecStart=/pb/run --verbose")
	link, err := os.Readlink(filepath.Join(f.roots[1], "etc/systemd/system/multi-user.target.wants/svc.service"))
	require.NoError(t, err)
	assert.Equal(t, "../svc.service", link)
}

func TestRunCapacityRejected(t *testing.T) {
	f := newFixture(t)
	big := testutil.Zip(t, f.dir, "big.zip",
		testutil.File("big/blob", strings.Repeat("x", 11*mib)),
	)

	err := f.run(t, f.config(config.PackageConfig{PackagePath: big}))

	var capErr *plan.CapacityError
	require.ErrorAs(t, err, &capErr)
	f.assertNoTarget(t)
	assert.Equal(t, 0, f.mounter.Attaches, "image must not be touched")
}

func TestRunFreeSpaceRejected(t *testing.T) {
	f := newFixture(t)
	f.mounter.Free = map[int]uint64{1: 1024}
	pkg := testutil.Zip(t, f.dir, "app.zip", testutil.File("app/data", strings.Repeat("x", 64*1024)))

	err := f.run(t, f.config(config.PackageConfig{PackagePath: pkg}))

	var capErr *plan.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Partition)
	f.assertNoTarget(t)
	_, statErr := os.Stat(filepath.Join(f.roots[1], "app"))
	assert.True(t, os.IsNotExist(statErr), "nothing may be extracted after a capacity failure")
	f.assertScratchEmpty(t)
}

func TestRunConflict(t *testing.T) {
	f := newFixture(t)
	first := testutil.Zip(t, f.dir, "first.zip", testutil.File("shared/settings", "first"))
	second := testutil.Zip(t, f.dir, "second.zip", testutil.File("shared/settings", "second"))

	err := f.run(t, f.config(
		config.PackageConfig{PackagePath: first},
		config.PackageConfig{PackagePath: second},
	))

	var conflictErr *conflict.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "/shared/settings", conflictErr.Path)
	assert.Equal(t, "first.zip #1", conflictErr.Owner)
	assert.Equal(t, "second.zip #2", conflictErr.Intruder)
	f.assertNoTarget(t)
}

func TestRunConflictAllowListed(t *testing.T) {
	f := newFixture(t)
	first := testutil.Zip(t, f.dir, "first.zip", testutil.File("shared/settings", "first"))
	second := testutil.Zip(t, f.dir, "second.zip", testutil.File("shared/settings", "second"))

	require.NoError(t, f.run(t, f.config(
		config.PackageConfig{PackagePath: first},
		config.PackageConfig{PackagePath: second, OverwriteFiles: []string{"shared/settings"}},
	)))

	assert.Equal(t, "second", readFile(t, filepath.Join(f.roots[1], "shared/settings")))
	_, err := os.Stat(f.target)
	assert.NoError(t, err)
}

func TestRunPreexistingFileConflict(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.roots[1], "app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.roots[1], "app/data"), []byte("factory"), 0644))
	pkg := testutil.Zip(t, f.dir, "app.zip", testutil.File("app/data", "packaged"))

	err := f.run(t, f.config(config.PackageConfig{PackagePath: pkg}))

	var conflictErr *conflict.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, conflict.ImageOwner, conflictErr.Owner)
	assert.Equal(t, "factory", readFile(t, filepath.Join(f.roots[1], "app/data")))
	f.assertNoTarget(t)
}

func TestRunServiceCount(t *testing.T) {
	f := newFixture(t)
	none := testutil.Zip(t, f.dir, "none.zip", testutil.Exec("app/run", "x"))
	two := testutil.Zip(t, f.dir, "two.zip",
		testutil.Exec("app/run", "x"),
		testutil.File("app/a.service", testutil.Unit("./run")),
		testutil.File("app/b.service", testutil.Unit("./run")),
	)

	for _, pkg := range []string{none, two} {
		err := f.run(t, f.config(config.PackageConfig{PackagePath: pkg, EnableServices: true}))
		var countErr *service.ServiceCountError
		assert.ErrorAs(t, err, &countErr, filepath.Base(pkg))
	}
	f.assertNoTarget(t)
	assert.Equal(t, 0, f.mounter.Attaches)
}

func TestRunServiceSuffix(t *testing.T) {
	f := newFixture(t)
	pkg := servicePackage(t, f.dir, "app.zip")

	err := f.run(t, f.config(config.PackageConfig{PackagePath: pkg, EnableServices: true, ServiceNameSuffix: "-bad"}))
	var nameErr *service.InvalidServiceNameError
	require.ErrorAs(t, err, &nameErr)
	f.assertNoTarget(t)

	require.NoError(t, f.run(t, f.config(config.PackageConfig{PackagePath: pkg, EnableServices: true, ServiceNameSuffix: "good"})))
	_, err = os.Stat(filepath.Join(f.roots[1], "etc/systemd/system/app-good.service"))
	assert.NoError(t, err)
}

func TestRunUnmetRequirement(t *testing.T) {
	f := newFixture(t)
	unit := strings.Replace(testutil.Unit("./run"), "[Unit]\n", "[Unit]\nRequires=database.service\n", 1)
	pkg := testutil.Zip(t, f.dir, "app.zip",
		testutil.Exec("app/run", "x"),
		testutil.File("app/app.service", unit),
	)

	err := f.run(t, f.config(config.PackageConfig{PackagePath: pkg, EnableServices: true}))

	var reqErr *service.RequirementError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "database.service", reqErr.Requirement)
	f.assertNoTarget(t)
}

func TestRunRequirementThroughImageLink(t *testing.T) {
	f := newFixture(t)
	root := f.roots[1]
	units := filepath.Join(root, "srv/units")
	require.NoError(t, os.MkdirAll(filepath.Join(units, "multi-user.target.wants"), 0755))
	require.NoError(t, os.Symlink("../database.service", filepath.Join(units, "multi-user.target.wants/database.service")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc/systemd"), 0755))
	require.NoError(t, os.Symlink("/srv/units", filepath.Join(root, "etc/systemd/system")))

	unit := strings.Replace(testutil.Unit("./run"), "[Unit]\n", "[Unit]\nRequires=database.service\n", 1)
	pkg := testutil.Zip(t, f.dir, "app.zip",
		testutil.Exec("app/run", "x"),
		testutil.File("app/app.service", unit),
	)

	require.NoError(t, f.run(t, f.config(config.PackageConfig{PackagePath: pkg, EnableServices: true})))
	assert.Contains(t, readFile(t, filepath.Join(units, "app.service")), "ExecStart=/app/run --verbose")
	link, err := os.Readlink(filepath.Join(units, "multi-user.target.wants/app.service"))
	require.NoError(t, err)
	assert.Equal(t, "../app.service", link)
}

func TestRunSameTargetTwice(t *testing.T) {
	f := newFixture(t)
	pkg := testutil.Zip(t, f.dir, "small.zip", testutil.File("small/data", strings.Repeat("s", 10*1024)))
	cfg := func() *config.Config { return f.config(config.PackageConfig{PackagePath: pkg}) }

	require.NoError(t, f.run(t, cfg()))
	after := readFile(t, f.target)

	// a different target from the same source is independent
	f.remount(t, 1)
	other := cfg()
	other.Target = filepath.Join(f.dir, "other.img")
	require.NoError(t, f.run(t, other))

	f.remount(t, 1)
	err := f.run(t, cfg())
	require.ErrorIs(t, err, diskmanager.ErrTargetExists)
	assert.Equal(t, after, readFile(t, f.target))
	assert.Equal(t, 0, f.mounter.Attaches)

	f.remount(t, 1)
	again := cfg()
	again.Overwrite = true
	require.NoError(t, f.run(t, again))
}

func TestRunNoClone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Rename(f.source, f.target))
	before := readFile(t, f.target)
	pkg := testutil.Zip(t, f.dir, "app.zip", testutil.File("app/data", "payload"))

	cfg := f.config(config.PackageConfig{PackagePath: pkg})
	cfg.Source = ""
	cfg.NoClone = true
	require.NoError(t, f.run(t, cfg))

	assert.Equal(t, before, readFile(t, f.target))
	assert.Equal(t, f.target, f.mounter.LastImage)
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".snapshot"), "snapshot left behind: %s", e.Name())
	}
}

func TestRunPartitionNotFound(t *testing.T) {
	f := newFixture(t)
	pkg := testutil.Zip(t, f.dir, "app.zip", testutil.File("app/data", "payload"))
	cfg := f.config(config.PackageConfig{PackagePath: pkg})
	cfg.PartitionNumbers = []int{2}

	err := f.run(t, cfg)
	assert.ErrorIs(t, err, diskmanager.ErrPartitionNotFound)
	f.assertNoTarget(t)
}

func TestRunParallelPartitions(t *testing.T) {
	f := newFixture(t, 4*mib, 4*mib)
	pkg := testutil.Zip(t, f.dir, "app.zip",
		testutil.File("app/one", "1"),
		testutil.File("app/two", "2"),
	)
	cfg := f.config(config.PackageConfig{PackagePath: pkg, TargetDirectory: "srv"})
	cfg.PartitionNumbers = []int{1, 2}
	cfg.ParallelPartitions = 2

	require.NoError(t, f.run(t, cfg))
	for _, n := range []int{1, 2} {
		assert.Equal(t, "2", readFile(t, filepath.Join(f.roots[n], "srv/app/two")), "partition %d", n)
	}
	assert.Equal(t, 2, f.mounter.Unmounts)
}

func TestRunInvalidArchive(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(f.dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0644))

	err := f.run(t, f.config(config.PackageConfig{PackagePath: bad}))
	var extractErr *archive.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	f.assertNoTarget(t)
}

func TestRunConfigError(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()

	err := f.run(t, cfg)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "packages", cfgErr.Field)
	assert.Equal(t, 0, f.mounter.Attaches)
}
