package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/twitter/offload/common/errors"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestSearchDirs(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, DotDir), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "proj", UnderDir), 0755))
	cwd := filepath.Join(home, "proj", "sub")
	require.NoError(t, os.MkdirAll(cwd, 0755))

	dirs, err := SearchDirs(cwd, home)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(home, DotDir), filepath.Join(home, "proj", UnderDir)}, dirs)

	// Search stops at home.
	dirs, err = SearchDirs(filepath.Join(home, "proj"), filepath.Join(home, "proj"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(home, "proj", UnderDir)}, dirs)

	require.NoError(t, os.MkdirAll(filepath.Join(home, "proj", DotDir), 0755))
	_, err = SearchDirs(cwd, home)
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}

func TestLoadDirsLayers(t *testing.T) {
	top := filepath.Join(t.TempDir(), DotDir)
	deep := filepath.Join(t.TempDir(), UnderDir)
	writeFile(t, filepath.Join(top, "config.json"), `{
  "systems": {
    "cluster": {
      "host": "me@login",
      "scheduler": "slurm",
      "commands": ["module load python"],
      "partitions": {
        "small": {"ncores": 16, "max_time": "4h", "max_mem": "64GB"},
        "big": {"ncores": 64, "max_time": "2-00:00:00", "max_mem": 268435456, "partition": "bigmem"}
      }
    },
    "laptop": {"scheduler": "local", "partitions": {"any": {"ncores": 4, "max_time": "1d"}}}
  }
}`)
	writeFile(t, filepath.Join(deep, "config.yaml"), `
systems:
  cluster:
    host: other@login
    partitions:
      big: _DELETE_
  laptop: _DELETE_
`)

	c, err := LoadDirs([]string{top, deep})
	require.NoError(t, err)
	assert.Equal(t, deep, c.StageDir)
	assert.Equal(t, filepath.Join(deep, DBFile), c.DBPath())
	assert.Equal(t, []string{"cluster"}, c.SystemNames())

	s, err := c.System("cluster")
	require.NoError(t, err)
	assert.Equal(t, "other@login", s.Host)
	assert.Equal(t, "slurm", s.Scheduler)
	assert.Equal(t, []string{"module load python"}, s.Commands)

	cat, err := s.Catalog()
	require.NoError(t, err)
	require.Len(t, cat, 1)
	assert.Equal(t, "small", cat[0].Name)
	assert.Equal(t, 16, cat[0].NumCores)
	assert.Equal(t, int64(4*3600), cat[0].MaxTime)
	assert.Equal(t, int64(64*1024*1024), cat[0].MaxMem)

	_, err = c.System("laptop")
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}

func TestPartitionForms(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DotDir)
	writeFile(t, filepath.Join(dir, "config.json"), `{
  "local_stage_dir": "/tmp/offload-stage",
  "systems": {
    "list": {
      "scheduler": "pbs",
      "partitions": [
        {"name": "zeta", "ncores": 8, "max_time": "1h"},
        {"name": "alpha", "ncores": 16, "max_time": "1h", "header": ["#PBS -l feature=x"]}
      ]
    },
    "map": {"scheduler": "sge", "queues": {"zeta": {"ncores": 8}, "alpha": {"ncores": 16}}}
  }
}`)
	c, err := LoadDirs([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/offload-stage", c.StageDir)

	cat, err := c.Systems["list"].Catalog()
	require.NoError(t, err)
	assert.Equal(t, "zeta", cat[0].Name)
	assert.Equal(t, "alpha", cat[1].Name)
	assert.Equal(t, []string{"#PBS -l feature=x"}, cat[1].Header)

	cat, err = c.Systems["map"].Catalog()
	require.NoError(t, err)
	assert.Equal(t, "alpha", cat[0].Name)
	assert.Equal(t, "zeta", cat[1].Name)
	assert.Equal(t, int64(0), cat[0].MaxTime)
}

func TestBadConfigs(t *testing.T) {
	for name, body := range map[string]string{
		"both aliases":  `{"systems": {"s": {"scheduler": "slurm", "partitions": {"a": {"ncores": 1}}, "queues": {"a": {"ncores": 1}}}}}`,
		"no scheduler":  `{"systems": {"s": {"partitions": {"a": {"ncores": 1}}}}}`,
		"bad mem":       `{"systems": {"s": {"scheduler": "slurm", "partitions": {"a": {"ncores": 1, "max_mem": "lots"}}}}}`,
		"zero cores":    `{"systems": {"s": {"scheduler": "slurm", "partitions": {"a": {"max_time": "1h"}}}}}`,
		"unnamed entry": `{"systems": {"s": {"scheduler": "slurm", "partitions": [{"ncores": 1}]}}}`,
	} {
		dir := filepath.Join(t.TempDir(), DotDir)
		writeFile(t, filepath.Join(dir, "config.json"), body)
		_, err := LoadDirs([]string{dir})
		assert.True(t, errors.Is(err, oerrors.ErrValidation), "%s: %v", name, err)
	}
}

func TestNoConfig(t *testing.T) {
	_, err := LoadDirs([]string{t.TempDir()})
	assert.True(t, errors.Is(err, ErrNoConfig))

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, oerrors.ErrValidation))
}

func TestRundirExtra(t *testing.T) {
	t.Setenv("HOSTNAME", "box")
	assert.Equal(t, "box-_home_me_proj", rundirExtra("/home/me/proj/.offload"))
	assert.Equal(t, "box-_scratch_stage", rundirExtra("/scratch/stage"))
}
